package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"scormsync/internal/daemon"
	"scormsync/internal/logging"
	"scormsync/internal/logs"
	"scormsync/internal/progress"
)

// ServiceName is the JSON-RPC service the daemon registers.
const ServiceName = "Scormsync"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &service{daemon: d, logger: logger, ctx: serverCtx}); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("worker start requested")
	started, err := s.daemon.StartWorker()
	if err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Started = started
	if started {
		resp.Message = "upload worker started"
		s.logger.Info("upload worker started via IPC", logging.String(logging.FieldEventType, "worker_start"))
	} else {
		resp.Message = "upload worker already running"
	}
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Debug("worker stop requested")
	resp.Joined = s.daemon.StopWorker()
	resp.Stopped = true
	s.logger.Info("upload worker stopped via IPC",
		logging.Bool("joined", resp.Joined),
		logging.String(logging.FieldEventType, "worker_stop"))
	return nil
}

func (s *service) Restart(req RestartRequest, resp *RestartResponse) error {
	result, err := s.daemon.RestartWorker(req.Force)
	resp.RestartResult = result
	if err != nil {
		resp.Message = err.Error()
		return nil
	}
	s.logger.Info("upload worker restarted via IPC",
		logging.Bool("force", req.Force),
		logging.Bool("joined", result.Joined),
		logging.String(logging.FieldEventType, "worker_restart"))
	return nil
}

func (s *service) Cleanup(req CleanupRequest, resp *CleanupResponse) error {
	maxAge := time.Duration(-1)
	if req.MaxAgeHours >= 0 {
		maxAge = time.Duration(req.MaxAgeHours) * time.Hour
	}
	result, err := s.daemon.Cleanup(req.DryRun, maxAge)
	if err != nil {
		return err
	}
	resp.CleanupResult = result
	return nil
}

func (s *service) Diagnose(req DiagnoseRequest, resp *DiagnoseResponse) error {
	if req.TopicID < 0 || req.Limit < 0 {
		return errors.New("topic id and limit must not be negative")
	}
	result, err := s.daemon.Diagnose(s.ctx, progress.Filter{
		ContentRef: req.TopicID,
		LearnerID:  strings.TrimSpace(req.LearnerID),
		Limit:      req.Limit,
		Fix:        req.Fix,
	})
	resp.Result = result
	return err
}

func (s *service) AddUpload(req AddUploadRequest, resp *AddUploadResponse) error {
	sub, err := s.daemon.AddFile(s.ctx, req.Path, req.Title)
	if err != nil {
		return err
	}
	resp.Submission = sub
	return nil
}

func (s *service) ListUploads(req ListUploadsRequest, resp *ListUploadsResponse) error {
	state := strings.TrimSpace(req.State)
	resp.Items = resp.Items[:0]
	for _, sub := range s.daemon.Submissions() {
		if state != "" && string(sub.State) != state {
			continue
		}
		resp.Items = append(resp.Items, sub)
	}
	return nil
}

func (s *service) DescribeUpload(req DescribeUploadRequest, resp *DescribeUploadResponse) error {
	sub, ok := s.daemon.Submission(strings.TrimSpace(req.ID))
	if !ok {
		return fmt.Errorf("upload %s not found", req.ID)
	}
	resp.Submission = sub
	return nil
}

func (s *service) Resubmit(req ResubmitRequest, resp *ResubmitResponse) error {
	sub, err := s.daemon.Resubmit(strings.TrimSpace(req.ID))
	if err != nil {
		return err
	}
	resp.Submission = sub
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	ctx := s.ctx
	if req.Follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, s.daemon.LogPath(), logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
		Match:  req.Match,
	})
	resp.Offset = result.Offset
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	return nil
}

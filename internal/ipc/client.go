package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

const dialTimeout = 2 * time.Second

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Start ensures the upload worker is running.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartResponse](c, "Start", StartRequest{})
}

// Stop asks the upload worker to exit.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// Restart restarts the upload worker, abandoning a hung one when force is set.
func (c *Client) Restart(force bool) (*RestartResponse, error) {
	return call[RestartResponse](c, "Restart", RestartRequest{Force: force})
}

// Cleanup sweeps or previews orphaned staging files.
func (c *Client) Cleanup(req CleanupRequest) (*CleanupResponse, error) {
	return call[CleanupResponse](c, "Cleanup", req)
}

// Diagnose runs a progress batch scan in the daemon.
func (c *Client) Diagnose(req DiagnoseRequest) (*DiagnoseResponse, error) {
	return call[DiagnoseResponse](c, "Diagnose", req)
}

// AddUpload stages a local package file through the daemon.
func (c *Client) AddUpload(path, title string) (*AddUploadResponse, error) {
	return call[AddUploadResponse](c, "AddUpload", AddUploadRequest{Path: path, Title: title})
}

// ListUploads returns tracked submissions, optionally filtered by state.
func (c *Client) ListUploads(state string) (*ListUploadsResponse, error) {
	return call[ListUploadsResponse](c, "ListUploads", ListUploadsRequest{State: state})
}

// DescribeUpload returns one submission.
func (c *Client) DescribeUpload(id string) (*DescribeUploadResponse, error) {
	return call[DescribeUploadResponse](c, "DescribeUpload", DescribeUploadRequest{ID: id})
}

// Resubmit requeues a permanently failed submission.
func (c *Client) Resubmit(id string) (*ResubmitResponse, error) {
	return call[ResubmitResponse](c, "Resubmit", ResubmitRequest{ID: id})
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	return call[LogTailResponse](c, "LogTail", req)
}

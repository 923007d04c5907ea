package store

// ExecForTest runs raw SQL against the database.
func (s *Store) ExecForTest(query string) error {
	_, err := s.db.Exec(query)
	return err
}

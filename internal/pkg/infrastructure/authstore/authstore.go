package authstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidTenantID = fmt.Errorf("invalid tenant id")

// Store keeps the durable authentication material of every tenant in a directory of its own below root.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("could not create auth root %s: %w", abs, err)
	}

	return &Store{root: abs}, nil
}

func (s *Store) PathFor(tenantID string) (string, error) {
	if tenantID == "" || tenantID == "." || tenantID == ".." || strings.ContainsAny(tenantID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}

	return filepath.Join(s.root, tenantID), nil
}

func (s *Store) Exists(tenantID string) (bool, error) {
	path, err := s.PathFor(tenantID)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return info.IsDir(), nil
}

// Prepare makes sure the directory for the tenant exists and returns its path.
func (s *Store) Prepare(tenantID string) (string, error) {
	path, err := s.PathFor(tenantID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", err
	}

	return path, nil
}

// Delete removes the material of the tenant. Deleting missing material is not an error.
func (s *Store) Delete(tenantID string) error {
	path, err := s.PathFor(tenantID)
	if err != nil {
		return err
	}

	return os.RemoveAll(path)
}

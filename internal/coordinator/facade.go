package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/depot/internal/auth"
	"github.com/dreamware/depot/internal/cluster"
	"github.com/dreamware/depot/internal/metrics"
)

// The methods below are the surface offered to front ends. Each checks the
// Authorizer first and reports failures as false or empty results; details
// go to the log.

// SendFileCommand runs an add, edit or delete on behalf of identity.
func (s *Service) SendFileCommand(ctx context.Context, identity, action, filename, department string, content []byte) bool {
	if !s.authz.Allowed(identity, action, department) {
		s.deny(identity, action, department, filename)
		return false
	}

	var err error
	switch action {
	case auth.ActionAdd:
		err = s.Add(ctx, department, filename, content)
	case auth.ActionEdit:
		err = s.Edit(ctx, identity, department, filename, content)
	case auth.ActionDelete:
		err = s.Delete(ctx, identity, department, filename)
	default:
		s.log.Warn("unknown file action", zap.String("action", action))
		s.metrics.Operations.WithLabelValues("unknown", metrics.Result(false)).Inc()
		return false
	}

	ok := err == nil
	s.metrics.Operations.WithLabelValues(action, metrics.Result(ok)).Inc()
	if !ok {
		level := s.log.Warn
		if errors.Is(err, ErrEditLocked) || errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrInvalidRequest) {
			level = s.log.Info
		}
		level("file command failed",
			zap.String("identity", identity),
			zap.String("action", action),
			zap.String("key", cluster.FileKey(department, filename)),
			zap.Error(err))
	}
	return ok
}

// RequestFile returns a file's contents, or an empty slice when it cannot be
// found or identity may not view it.
func (s *Service) RequestFile(ctx context.Context, identity, filename, department string) []byte {
	if !s.authz.Allowed(identity, auth.ActionView, department) {
		s.deny(identity, auth.ActionView, department, filename)
		return []byte{}
	}
	data, err := s.Fetch(ctx, department, filename)
	s.metrics.Operations.WithLabelValues("fetch", metrics.Result(err == nil && len(data) > 0)).Inc()
	if err != nil {
		s.log.Warn("fetch failed", zap.String("key", cluster.FileKey(department, filename)), zap.Error(err))
	}
	if data == nil {
		return []byte{}
	}
	return data
}

// ListFiles returns the file names of department.
func (s *Service) ListFiles(ctx context.Context, identity, department string) []string {
	if !s.authz.Allowed(identity, auth.ActionView, department) {
		s.deny(identity, auth.ActionView, department, "")
		return []string{}
	}
	names, err := s.List(ctx, department)
	s.metrics.Operations.WithLabelValues("list", metrics.Result(err == nil)).Inc()
	if err != nil {
		s.log.Warn("list failed", zap.String("department", department), zap.Error(err))
	}
	return names
}

// LockFileForEdit takes the edit lock on a file for identity.
func (s *Service) LockFileForEdit(ctx context.Context, identity, filename, department string) bool {
	if !s.authz.Allowed(identity, auth.ActionEdit, department) {
		s.deny(identity, "lock", department, filename)
		return false
	}
	ok := s.editLocks.Lock(identity, cluster.FileKey(department, filename))
	s.metrics.Operations.WithLabelValues("lock", metrics.Result(ok)).Inc()
	s.metrics.EditLocks.Set(float64(s.editLocks.Len()))
	return ok
}

// UnlockFileForEdit releases an edit lock held by identity.
func (s *Service) UnlockFileForEdit(ctx context.Context, identity, filename, department string) bool {
	if !s.authz.Allowed(identity, auth.ActionEdit, department) {
		s.deny(identity, "unlock", department, filename)
		return false
	}
	ok := s.editLocks.Unlock(identity, cluster.FileKey(department, filename))
	s.metrics.Operations.WithLabelValues("unlock", metrics.Result(ok)).Inc()
	s.metrics.EditLocks.Set(float64(s.editLocks.Len()))
	return ok
}

func (s *Service) deny(identity, action, department, filename string) {
	s.metrics.Operations.WithLabelValues(action, "denied").Inc()
	s.log.Info("permission denied",
		zap.String("identity", identity),
		zap.String("action", action),
		zap.String("department", department),
		zap.String("file", filename))
}

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nixpig/jobbridge/internal/jobstore"
)

const (
	MinLoopDepth = 1
	MaxLoopDepth = 6

	// AnonymousUser is recorded when a request carries no user id.
	AnonymousUser = "anonymous"
)

// SubmitRequest is an inbound request to run a job.
type SubmitRequest struct {
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId"`
	Text             string `json:"text"`
	Mode             string `json:"mode"`
	LoopDepth        int    `json:"loopDepth"`
	AllowMemoryWrite bool   `json:"allowMemoryWrite"`
}

// Submitter turns requests into job records.
type Submitter struct {
	store  jobstore.Store
	logger *slog.Logger
	newID  func() string
}

func NewSubmitter(store jobstore.Store, logger *slog.Logger) *Submitter {
	return &Submitter{
		store:  store,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Submit validates req, fills in defaults and stores the resulting payload
// under a new job id, which it returns.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload, err := normalise(req, s.newID)
	if err != nil {
		return "", err
	}

	id := s.newID()

	if err := s.store.Create(ctx, id, payload); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	s.logger.InfoContext(
		ctx,
		"job submitted",
		"job_id", id,
		"mode", payload.Mode,
		"loop_depth", payload.LoopDepth,
	)

	return id, nil
}

func normalise(req SubmitRequest, newID func() string) (jobstore.JobPayload, error) {
	if strings.TrimSpace(req.Text) == "" {
		return jobstore.JobPayload{}, ErrTextRequired
	}

	mode, err := jobstore.ParseMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if err != nil {
		return jobstore.JobPayload{}, fmt.Errorf("%w: %w", ErrInvalidMode, err)
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = AnonymousUser
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = newID()
	}

	return jobstore.JobPayload{
		SessionID:        sessionID,
		UserID:           userID,
		Text:             req.Text,
		Mode:             mode,
		LoopDepth:        min(max(req.LoopDepth, MinLoopDepth), MaxLoopDepth),
		AllowMemoryWrite: req.AllowMemoryWrite,
	}, nil
}

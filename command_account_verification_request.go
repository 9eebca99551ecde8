package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

type AccountVerificationMessage struct {
	UserID     uuid.UUID `json:"user_id"`
	Token      string    `json:"token" doc:"Confirmation token"`
	SourceIP   string    `json:"source_ip"`
	OnResponse func(a *AccountVerificationResponse)
}

func (m AccountVerificationMessage) Type() string { return "user.confirm" }

type AccountVerificationResponse struct {
	Confirmed bool   `json:"confirmed" example:"true" doc:"Has the account been confirmed?"`
	Message   string `json:"message"`
}

type AccountVerificationHandler struct {
	repo      RepositoryManager
	lifecycle *CredentialLifecycle
}

var _ command.Commander[AccountVerificationMessage] = (*AccountVerificationHandler)(nil)

func NewAccountVerificationHandler(repo RepositoryManager, lifecycle *CredentialLifecycle) *AccountVerificationHandler {
	return &AccountVerificationHandler{repo: repo, lifecycle: lifecycle}
}

func (h *AccountVerificationHandler) Execute(ctx context.Context, event AccountVerificationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during account verification")
	default:
		return h.execute(ctx, event)
	}
}

func (h *AccountVerificationHandler) execute(ctx context.Context, event AccountVerificationMessage) error {
	resp := &AccountVerificationResponse{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	user, err := h.repo.Users().FindByID(ctx, event.UserID)
	if err != nil {
		if !IsNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for verification")
		}
		resp.Message = ErrTokenInvalid.Message
	} else {
		ok, err := h.lifecycle.Confirm(ctx, user, event.Token, event.SourceIP)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to execute account verification")
		}
		resp.Confirmed = ok
		if ok {
			resp.Message = "your email has been confirmed"
		} else {
			resp.Message = ErrTokenInvalid.Message
		}
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

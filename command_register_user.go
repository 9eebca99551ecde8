package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
)

type RegisterUserMessage struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Role       string `json:"role"`
	Password   string `json:"password"`
	UseHashid  bool
	OnResponse func(resp *RegisterUserResponse)
}

func (e RegisterUserMessage) Type() string { return "user.register" }

type RegisterUserResponse struct {
	User *User
	// ConfirmationSent is false when the account was created but the
	// confirmation token could not be issued.
	ConfirmationSent bool
}

// RegisterUserHandler creates an unconfirmed principal and requests the
// confirmation email.
type RegisterUserHandler struct {
	lifecycle *CredentialLifecycle
	logger    Logger
}

var _ command.Commander[RegisterUserMessage] = (*RegisterUserHandler)(nil)

func NewRegisterUserHandler(lifecycle *CredentialLifecycle) *RegisterUserHandler {
	return &RegisterUserHandler{lifecycle: lifecycle, logger: lifecycle.logger}
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	user, err := h.lifecycle.Register(ctx, RegisterInput{
		PreregisterInput: PreregisterInput{
			Email:           event.Email,
			FirstName:       event.FirstName,
			LastName:        event.LastName,
			Phone:           event.Phone,
			RoleName:        event.Role,
			DeterministicID: event.UseHashid,
		},
		Password: event.Password,
	})
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "user registration failed")
	}

	resp := &RegisterUserResponse{User: user}
	if _, err := h.lifecycle.RequestConfirmation(ctx, user); err != nil {
		h.logger.Warn("registered user %s but confirmation request failed: %v", user.ID, err)
	} else {
		resp.ConfirmationSent = true
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

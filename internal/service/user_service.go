package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/updownlive/updown-engine/internal/domain"
)

// UserService manages accounts and their virtual balances. Balances only
// move inside the store's transactional methods; this service reads them.
type UserService struct {
	users           domain.UserStore
	ledger          domain.LedgerStore
	gateway         ChainGateway
	startingBalance float64
	logger          *slog.Logger
}

// NewUserService creates a UserService. startingBalance seeds every new
// account's virtual balance.
func NewUserService(
	users domain.UserStore,
	ledger domain.LedgerStore,
	gateway ChainGateway,
	startingBalance float64,
	logger *slog.Logger,
) *UserService {
	return &UserService{
		users:           users,
		ledger:          ledger,
		gateway:         gateway,
		startingBalance: startingBalance,
		logger:          logger,
	}
}

// Register creates a new account. Address is optional; when present it must
// be a valid hex address and is stored for chain mirroring.
func (s *UserService) Register(ctx context.Context, address string) (domain.User, error) {
	if address != "" && !common.IsHexAddress(address) {
		return domain.User{}, domain.NewValidationError("INVALID_ADDRESS",
			"%q is not a valid address", address)
	}

	user := domain.User{
		ID:      uuid.NewString(),
		Address: address,
		Balance: s.startingBalance,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.User{}, domain.NewConflictError("ADDRESS_TAKEN",
				"address %s is already registered", address)
		}
		return domain.User{}, fmt.Errorf("user_service: create user: %w", err)
	}

	s.logger.InfoContext(ctx, "user_service: user registered",
		slog.String("user_id", user.ID),
		slog.String("address", address),
	)
	return user, nil
}

// Get returns an account by ID.
func (s *UserService) Get(ctx context.Context, id string) (domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, domain.NewNotFoundError("USER_NOT_FOUND", "user %s not found", id)
		}
		return domain.User{}, fmt.Errorf("user_service: get user %s: %w", id, err)
	}
	return user, nil
}

// GetByAddress returns an account by on-chain address.
func (s *UserService) GetByAddress(ctx context.Context, address string) (domain.User, error) {
	user, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, domain.NewNotFoundError("USER_NOT_FOUND",
				"no user with address %s", address)
		}
		return domain.User{}, fmt.Errorf("user_service: get user by address: %w", err)
	}
	return user, nil
}

// ChainBalance reads the user's on-chain balance through the gateway. Users
// without an address have no chain balance.
func (s *UserService) ChainBalance(ctx context.Context, id string) (float64, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if user.Address == "" {
		return 0, domain.NewValidationError("NO_ADDRESS",
			"user %s has no on-chain address", id)
	}

	balance, err := s.gateway.GetBalance(ctx, user.Address)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Ledger returns the user's balance history newest first.
func (s *UserService) Ledger(ctx context.Context, id string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	entries, err := s.ledger.ListByUser(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("user_service: list ledger for %s: %w", id, err)
	}
	return entries, nil
}

// Package wallet maps platform identities to internal accounts and their
// payout addresses.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"pocketSettle/internal/model"
)

var (
	ErrUnknownIdentity = errors.New("identity has no linked account")
	ErrInvalidAddress  = errors.New("invalid payout address")
)

// AccountResolver resolves the account behind a platform identity.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, identity model.Identity) (model.Account, error)
}

type identityEntry struct {
	Platform string `yaml:"platform"`
	UserID   string `yaml:"user_id"`
}

type accountEntry struct {
	ID            string          `yaml:"id"`
	PayoutAddress string          `yaml:"payout_address"`
	Identities    []identityEntry `yaml:"identities"`
}

type accountsFile struct {
	Accounts []accountEntry `yaml:"accounts"`
}

// StaticResolver serves a fixed identity to account table.
type StaticResolver struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{accounts: make(map[string]model.Account)}
}

// LoadAccounts reads a YAML accounts file.
func LoadAccounts(path string) (*StaticResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseAccounts(raw)
}

// ParseAccounts builds a resolver from YAML bytes.
func ParseAccounts(raw []byte) (*StaticResolver, error) {
	var file accountsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}
	r := NewStaticResolver()
	for _, acc := range file.Accounts {
		for _, id := range acc.Identities {
			identity := model.Identity{Platform: id.Platform, PlatformUserID: id.UserID}
			if err := r.Link(identity, model.Account{ID: acc.ID, PayoutAddress: acc.PayoutAddress}); err != nil {
				return nil, fmt.Errorf("account %s: %w", acc.ID, err)
			}
		}
	}
	return r, nil
}

// Link binds identity to account after validating the payout address.
func (r *StaticResolver) Link(identity model.Identity, account model.Account) error {
	if identity.IsZero() {
		return errors.New("identity requires platform and user id")
	}
	if account.ID == "" {
		return errors.New("account id is required")
	}
	if !common.IsHexAddress(account.PayoutAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, account.PayoutAddress)
	}
	account.PayoutAddress = common.HexToAddress(account.PayoutAddress).Hex()

	r.mu.Lock()
	r.accounts[identity.Key()] = account
	r.mu.Unlock()
	return nil
}

func (r *StaticResolver) ResolveAccount(_ context.Context, identity model.Identity) (model.Account, error) {
	r.mu.RLock()
	acc, ok := r.accounts[identity.Key()]
	r.mu.RUnlock()
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity.Key())
	}
	return acc, nil
}

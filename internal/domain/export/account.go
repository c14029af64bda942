package export

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidAccount is returned when an account identifier is incomplete.
var ErrInvalidAccount = errors.New("invalid account")

// DefaultPlaceholderSuffix marks mailboxes the provider creates but that were never
// provisioned by a user. They are never enrolled.
const DefaultPlaceholderSuffix = "@configureme.me"

// Account identifies a single hosted mailbox. It is immutable once discovered.
type Account struct {
	organization string
	service      string
	address      string
}

// NewAccount validates and creates an Account.
func NewAccount(organization, service, address string) (Account, error) {
	organization = strings.TrimSpace(organization)
	service = strings.TrimSpace(service)
	address = strings.TrimSpace(address)
	if organization == "" || service == "" || address == "" {
		return Account{}, fmt.Errorf("%w: organization=%q service=%q address=%q",
			ErrInvalidAccount, organization, service, address)
	}
	return Account{organization: organization, service: service, address: address}, nil
}

// Organization returns the organization that owns the account.
func (a Account) Organization() string { return a.organization }

// Service returns the exchange service the mailbox lives on.
func (a Account) Service() string { return a.service }

// Address returns the mailbox address.
func (a Account) Address() string { return a.address }

// Key uniquely identifies an account across organizations and services.
func (a Account) Key() string {
	return a.organization + "/" + a.service + "/" + a.address
}

func (a Account) String() string { return a.Key() }

// IsPlaceholder reports whether the address ends with the given placeholder suffix.
func (a Account) IsPlaceholder(suffix string) bool {
	if suffix == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(a.address), strings.ToLower(suffix))
}

// Enrollable drops placeholder and duplicate accounts and returns the rest in a
// stable order.
func Enrollable(accounts []Account, placeholderSuffix string) []Account {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		if a.IsPlaceholder(placeholderSuffix) {
			continue
		}
		if _, dup := seen[a.Key()]; dup {
			continue
		}
		seen[a.Key()] = struct{}{}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

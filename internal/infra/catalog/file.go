// Package catalog provides account catalogs that do not need the API: a YAML
// file produced by the prepare command and fixed in-memory lists.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wasilibs/go-re2"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// ErrMalformedAccount is returned for account references that cannot be parsed.
var ErrMalformedAccount = errors.New("malformed account reference")

// accountRef matches "org/service/<svc>/account/<email>", the form listed by
// the API and written one per line by older tooling.
var accountRef = re2.MustCompile(`^([^/\s]+)/service/([^/\s]+)/account/([^/\s]+@[^/\s]+)$`)

type fileEntry struct {
	Organization string `yaml:"organization"`
	Service      string `yaml:"service"`
	Address      string `yaml:"address"`
}

type fileDocument struct {
	Accounts []fileEntry `yaml:"accounts"`
}

// File is an AccountCatalog backed by a YAML document.
type File struct {
	path              string
	placeholderSuffix string
}

var _ export.AccountCatalog = (*File)(nil)

// NewFile creates a catalog reading path.
func NewFile(path, placeholderSuffix string) *File {
	return &File{path: path, placeholderSuffix: placeholderSuffix}
}

// Accounts reads the file and returns its enrollable accounts.
func (f *File) Accounts(ctx context.Context) ([]export.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file %s: %w", f.path, err)
	}

	accounts := make([]export.Account, 0, len(doc.Accounts))
	for i, e := range doc.Accounts {
		a, err := export.NewAccount(e.Organization, e.Service, e.Address)
		if err != nil {
			return nil, fmt.Errorf("accounts file entry %d: %w", i, err)
		}
		accounts = append(accounts, a)
	}
	return export.Enrollable(accounts, f.placeholderSuffix), nil
}

// WriteFile stores accounts at path in the format read by File, sorted.
func WriteFile(path string, accounts []export.Account) error {
	sorted := export.Enrollable(accounts, "")
	doc := fileDocument{Accounts: make([]fileEntry, 0, len(sorted))}
	for _, a := range sorted {
		doc.Accounts = append(doc.Accounts, fileEntry{
			Organization: a.Organization(),
			Service:      a.Service(),
			Address:      a.Address(),
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create accounts directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write accounts file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ParseAccountRef parses "org/service/<svc>/account/<email>".
func ParseAccountRef(ref string) (export.Account, error) {
	m := accountRef.FindStringSubmatch(ref)
	if m == nil {
		return export.Account{}, fmt.Errorf("%w: %q", ErrMalformedAccount, ref)
	}
	return export.NewAccount(m[1], m[2], m[3])
}

// Static is an AccountCatalog over a fixed list, used for single account runs.
type Static struct {
	accounts []export.Account
}

var _ export.AccountCatalog = (*Static)(nil)

// NewStatic creates a catalog returning accounts.
func NewStatic(accounts ...export.Account) *Static { return &Static{accounts: accounts} }

// Accounts returns the fixed list.
func (s *Static) Accounts(context.Context) ([]export.Account, error) {
	return export.Enrollable(s.accounts, ""), nil
}

package ovh

import (
	"context"
	"errors"
	"testing"

	govh "github.com/ovh/go-ovh/ovh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

func newTestCatalog(t *testing.T, tr Transport) *Catalog {
	t.Helper()
	return NewCatalog(newTestClient(t, tr), export.DefaultPlaceholderSuffix, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestCatalogEnumeratesAndFilters(t *testing.T) {
	tr := newFakeTransport()
	tr.on("GET", "/email/exchange", func() (string, error) { return `["org-a"]`, nil })
	tr.on("GET", "/email/exchange/org-a/service", func() (string, error) { return `["svc-1","svc-2"]`, nil })
	tr.on("GET", "/email/exchange/org-a/service/svc-1/account", func() (string, error) {
		return `["bob@example.com","abc@configureme.me"]`, nil
	})
	tr.on("GET", "/email/exchange/org-a/service/svc-2/account", func() (string, error) {
		return `["alice@example.com"]`, nil
	})

	accounts, err := newTestCatalog(t, tr).Accounts(context.Background())

	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "org-a/svc-1/bob@example.com", accounts[0].Key())
	assert.Equal(t, "org-a/svc-2/alice@example.com", accounts[1].Key())
}

func TestCatalogRetriesTransportFailures(t *testing.T) {
	tr := newFakeTransport()
	attempts := 0
	tr.on("GET", "/email/exchange", func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return `[]`, nil
	})

	accounts, err := newTestCatalog(t, tr).Accounts(context.Background())

	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.Equal(t, 3, attempts)
}

func TestCatalogAPIErrorIsPermanent(t *testing.T) {
	tr := newFakeTransport()
	attempts := 0
	tr.on("GET", "/email/exchange", func() (string, error) {
		attempts++
		return "", &govh.APIError{Code: 403, Message: "This call has not been granted"}
	})

	_, err := newTestCatalog(t, tr).Accounts(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

package ovh

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

// Catalog enumerates organizations, services and accounts through the API.
type Catalog struct {
	client            *Client
	placeholderSuffix string
	maxElapsed        time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

var _ export.AccountCatalog = (*Catalog)(nil)

// NewCatalog creates an API backed account catalog.
func NewCatalog(client *Client, placeholderSuffix string, log *logger.Logger, tracer trace.Tracer) *Catalog {
	return &Catalog{
		client:            client,
		placeholderSuffix: placeholderSuffix,
		maxElapsed:        2 * time.Minute,
		logger:            log.With("component", "ovh.catalog"),
		tracer:            tracer,
	}
}

// Accounts walks every organization and service and returns the enrollable accounts.
func (c *Catalog) Accounts(ctx context.Context) ([]export.Account, error) {
	ctx, span := c.tracer.Start(ctx, "ovh.catalog.accounts")
	defer span.End()

	var orgs []string
	if err := c.list(ctx, "/email/exchange", &orgs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list organizations")
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	var accounts []export.Account
	for _, org := range orgs {
		var services []string
		servicesPath := fmt.Sprintf("/email/exchange/%s/service", url.PathEscape(org))
		if err := c.list(ctx, servicesPath, &services); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to list services of %s: %w", org, err)
		}

		for _, svc := range services {
			var addresses []string
			accountsPath := fmt.Sprintf("%s/%s/account", servicesPath, url.PathEscape(svc))
			if err := c.list(ctx, accountsPath, &addresses); err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("failed to list accounts of %s/%s: %w", org, svc, err)
			}
			for _, addr := range addresses {
				a, err := export.NewAccount(org, svc, addr)
				if err != nil {
					c.logger.Warn(ctx, "skipping malformed account", "organization", org, "service", svc, "error", err)
					continue
				}
				accounts = append(accounts, a)
			}
		}
	}

	enrolled := export.Enrollable(accounts, c.placeholderSuffix)
	span.SetAttributes(
		attribute.Int("accounts.discovered", len(accounts)),
		attribute.Int("accounts.enrolled", len(enrolled)),
	)
	c.logger.Info(ctx, "accounts discovered", "discovered", len(accounts), "enrolled", len(enrolled))
	return enrolled, nil
}

// list GETs a JSON array, retrying transport failures with exponential backoff.
// API errors are permanent.
func (c *Catalog) list(ctx context.Context, path string, out *[]string) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = c.maxElapsed

	operation := func() error {
		err := c.client.GetJSON(ctx, path, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransport) && ctx.Err() == nil {
			c.logger.Warn(ctx, "listing failed, retrying", "path", path, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}

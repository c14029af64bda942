package ovh

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// Exports implements export.ExportAPI for Exchange accounts.
type Exports struct {
	client *Client
	tracer trace.Tracer
}

var _ export.ExportAPI = (*Exports)(nil)

// NewExports creates the export workflow on top of client.
func NewExports(client *Client, tracer trace.Tracer) *Exports {
	return &Exports{client: client, tracer: tracer}
}

func accountPath(a export.Account) string {
	return fmt.Sprintf("/email/exchange/%s/service/%s/account/%s",
		url.PathEscape(a.Organization()), url.PathEscape(a.Service()), url.PathEscape(a.Address()))
}

func exportPath(a export.Account) string    { return accountPath(a) + "/export" }
func exportURLPath(a export.Account) string { return accountPath(a) + "/exportURL" }

func (e *Exports) span(ctx context.Context, name string, a export.Account) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "ovh.exports."+name,
		trace.WithAttributes(attribute.String("account", a.Key())))
}

func record(span trace.Span, obs export.Observation) export.Observation {
	span.SetAttributes(attribute.String("observation", obs.Kind.String()))
	if obs.Err != nil {
		span.RecordError(obs.Err)
	}
	return obs
}

// GetExport reads the export status of the account.
func (e *Exports) GetExport(ctx context.Context, a export.Account) export.Observation {
	ctx, span := e.span(ctx, "get_export", a)
	defer span.End()
	return record(span, ClassifyExport(e.client.Get(ctx, exportPath(a))))
}

// RequestExport starts a new export.
func (e *Exports) RequestExport(ctx context.Context, a export.Account) export.Observation {
	ctx, span := e.span(ctx, "request_export", a)
	defer span.End()
	return record(span, ClassifyAction(e.client.Post(ctx, exportPath(a), nil)))
}

// DeleteExport discards the current export.
func (e *Exports) DeleteExport(ctx context.Context, a export.Account) export.Observation {
	ctx, span := e.span(ctx, "delete_export", a)
	defer span.End()
	return record(span, ClassifyAction(e.client.Delete(ctx, exportPath(a))))
}

// RequestExportURL asks the backend to generate a download URL.
func (e *Exports) RequestExportURL(ctx context.Context, a export.Account) export.Observation {
	ctx, span := e.span(ctx, "request_export_url", a)
	defer span.End()
	return record(span, ClassifyAction(e.client.Post(ctx, exportURLPath(a), nil)))
}

// GetExportURL reads the download URL.
func (e *Exports) GetExportURL(ctx context.Context, a export.Account) export.Observation {
	ctx, span := e.span(ctx, "get_export_url", a)
	defer span.End()
	return record(span, ClassifyExportURL(e.client.Get(ctx, exportURLPath(a))))
}

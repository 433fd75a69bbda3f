package attachment

import (
	"context"
	"errors"
	"strings"

	"marketsync/logger"
	"marketsync/service/backend"
	"marketsync/service/metrics"
	"marketsync/tools/errs"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

type API interface {
	SignedAttachmentURL(ctx context.Context, messageID string, index int) (string, error)
	ProxyAttachmentURL(messageID string, index int) string
	FetchURL(ctx context.Context, rawURL string) (backend.Fetched, error)
}

type Mode int

const (
	Preview Mode = iota
	Download
)

func (m Mode) String() string {
	if m == Download {
		return "download"
	}
	return "preview"
}

// Tier is the access path an attachment was finally served through.
type Tier int

const (
	TierSigned Tier = iota + 1
	TierProxy
	TierOrigin
)

func (t Tier) String() string {
	switch t {
	case TierSigned:
		return "signed"
	case TierProxy:
		return "proxy"
	case TierOrigin:
		return "origin"
	}
	return "none"
}

// Ref points at one attachment of a stored message.
type Ref struct {
	MessageID string
	Index     int
	OriginURL string
	Filename  string
}

type Resolved struct {
	URL         string
	Tier        Tier
	ContentType string
	Data        []byte
	// Filename is set for downloads; an extension is derived from the
	// content type when the stored name has none.
	Filename string
	// Inline reports whether a preview can be rendered in place.
	Inline bool
}

type Resolver struct {
	api API
	log *zap.Logger
}

func NewResolver(api API) *Resolver {
	return &Resolver{api: api, log: logger.Named("attachments")}
}

// Resolve walks the signed, proxy and origin tiers in that order and returns
// the first one that yields content. Tier failures are logged; an error is
// returned only when every tier failed.
func (r *Resolver) Resolve(ctx context.Context, ref Ref, mode Mode) (Resolved, error) {
	if ref.MessageID == "" && ref.OriginURL == "" {
		return Resolved{}, errs.ErrValidation.WrapMsg("attachment reference is empty")
	}

	tiers := []struct {
		tier Tier
		url  func() (string, error)
	}{
		{TierSigned, func() (string, error) {
			if ref.MessageID == "" {
				return "", errs.ErrValidation.WrapMsg("no message id")
			}
			return r.api.SignedAttachmentURL(ctx, ref.MessageID, ref.Index)
		}},
		{TierProxy, func() (string, error) {
			if ref.MessageID == "" {
				return "", errs.ErrValidation.WrapMsg("no message id")
			}
			return r.api.ProxyAttachmentURL(ref.MessageID, ref.Index), nil
		}},
		{TierOrigin, func() (string, error) {
			if ref.OriginURL == "" {
				return "", errs.ErrValidation.WrapMsg("no origin url")
			}
			return ref.OriginURL, nil
		}},
	}

	var failures []error
	for _, t := range tiers {
		if err := ctx.Err(); err != nil {
			return Resolved{}, errs.ErrNetwork.WrapMsg("attachment resolution cancelled", "cause", err)
		}
		res, err := r.try(ctx, t.tier, t.url)
		if err != nil {
			metrics.AttachmentTiers.WithLabelValues(t.tier.String(), "failed").Inc()
			r.log.Warn("attachment tier failed", zap.String("message", ref.MessageID), zap.Int("index", ref.Index),
				zap.Stringer("tier", t.tier), zap.Error(err))
			failures = append(failures, errs.WrapMsg(err, t.tier.String()))
			continue
		}
		metrics.AttachmentTiers.WithLabelValues(t.tier.String(), "ok").Inc()
		finish(&res, ref, mode)
		r.log.Debug("attachment resolved", zap.String("message", ref.MessageID), zap.Int("index", ref.Index),
			zap.Stringer("tier", t.tier), zap.Stringer("mode", mode), zap.String("type", res.ContentType))
		return res, nil
	}

	return Resolved{}, errs.WrapMsg(errors.Join(failures...), "attachment unavailable",
		"message", ref.MessageID, "index", ref.Index)
}

func (r *Resolver) try(ctx context.Context, tier Tier, urlFn func() (string, error)) (Resolved, error) {
	u, err := urlFn()
	if err != nil {
		return Resolved{}, err
	}
	got, err := r.api.FetchURL(ctx, u)
	if err != nil {
		return Resolved{}, err
	}
	if len(got.Data) == 0 {
		return Resolved{}, errs.ErrNotFound.WrapMsg("empty body")
	}
	return Resolved{URL: u, Tier: tier, ContentType: got.ContentType, Data: got.Data}, nil
}

func finish(res *Resolved, ref Ref, mode Mode) {
	mt := mimetype.Detect(res.Data)
	if ct := strings.TrimSpace(res.ContentType); ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		res.ContentType = mt.String()
	}
	res.Inline = inline(res.ContentType)
	if mode != Download {
		return
	}
	res.Filename = ref.Filename
	if res.Filename == "" {
		res.Filename = "attachment"
	}
	if !strings.Contains(res.Filename, ".") {
		res.Filename += mt.Extension()
	}
}

func inline(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "image/"), strings.HasPrefix(base, "video/"),
		strings.HasPrefix(base, "audio/"), strings.HasPrefix(base, "text/"):
		return true
	}
	return base == "application/pdf"
}

package present

import (
	"context"
	"errors"
	"strings"

	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/view"
)

const refSep = "|"

// Fanout presents every surface on several transports. The combined reference
// joins the per-transport references in order.
type Fanout []view.Presenter

func (f Fanout) Present(ctx context.Context, userID string, s model.Surface) (model.SurfaceRef, error) {
	refs := make([]string, len(f))
	var errs []error
	for i, p := range f {
		ref, err := p.Present(ctx, userID, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		refs[i] = string(ref)
	}
	// Partial success still yields a usable reference.
	if len(errs) == len(f) && len(f) > 0 {
		return "", errors.Join(errs...)
	}
	return model.SurfaceRef(strings.Join(refs, refSep)), nil
}

func (f Fanout) Invalidate(ctx context.Context, userID string, ref model.SurfaceRef) error {
	parts := strings.Split(string(ref), refSep)
	var errs []error
	for i, p := range f {
		if i >= len(parts) || parts[i] == "" {
			continue
		}
		if err := p.Invalidate(ctx, userID, model.SurfaceRef(parts[i])); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ view.Presenter = Fanout(nil)

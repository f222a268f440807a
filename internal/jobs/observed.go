package jobs

import "context"

// ChangeFunc receives the record snapshot produced by a successful write.
type ChangeFunc func(ctx context.Context, rec Record)

// Observed wraps a Registry and reports every successful Create and every
// Update that changes the visible status. Lease releases and repeated claims
// of the same job are not reported.
type Observed struct {
	Registry
	hooks []ChangeFunc
}

func Observe(r Registry, hooks ...ChangeFunc) *Observed {
	return &Observed{Registry: r, hooks: hooks}
}

func (o *Observed) Create(ctx context.Context, rec Record) error {
	if err := o.Registry.Create(ctx, rec); err != nil {
		return err
	}
	// report what the backend stored, defaults included
	stored, err := o.Registry.Get(ctx, rec.ID)
	if err != nil {
		// the record exists; only the notification is lost
		return nil
	}
	o.notify(ctx, stored)
	return nil
}

func (o *Observed) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	rec, err := o.Registry.Update(ctx, id, patch)
	if err != nil {
		return rec, err
	}
	if patch.announces(rec) {
		o.notify(ctx, rec)
	}
	return rec, nil
}

func (o *Observed) notify(ctx context.Context, rec Record) {
	for _, h := range o.hooks {
		h(ctx, rec)
	}
}

// Package lifecycle implements the product custody state machine on top of a
// store.Backend.
//
// A product is registered, moves through any number of supply steps and is
// finally delivered:
//
//	Registered -> In Transit -> Delivered
//	                 ^    |
//	                 +----+
//
// Every mutation runs in one backend transaction that also advances the
// relevant id counter and extends the retention horizon.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacentio/waybill/internal/ledger"
	"github.com/jacentio/waybill/internal/metrics"
	"github.com/jacentio/waybill/store"
)

// Operation names used in logs and metrics.
const (
	OpRegisterProduct = "register_product"
	OpAddSupplyStep   = "add_supply_step"
	OpMarkDelivered   = "mark_delivered"
	OpViewProduct     = "view_product"
	OpViewStep        = "view_step"
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the ledger clock used to timestamp mutations.
func WithClock(c ledger.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithRetention sets the horizon extension applied on every write.
func WithRetention(r store.Retention) Option {
	return func(ctl *Controller) { ctl.retention = r }
}

// WithLogger sets the event logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.logger = l
		}
	}
}

// WithMetrics records operation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithStrictProductReference makes AddSupplyStep fail with store.ErrNotFound
// for unknown products instead of recording an orphan step.
func WithStrictProductReference(strict bool) Option {
	return func(ctl *Controller) { ctl.strict = strict }
}

// Controller runs the four custody operations. It holds no per-product state and
// is safe for concurrent use.
type Controller struct {
	backend   store.Backend
	clock     ledger.Clock
	retention store.Retention
	logger    *slog.Logger
	metrics   *metrics.Metrics
	strict    bool
}

// New creates a controller over backend.
func New(backend store.Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:   backend,
		clock:     ledger.NewSystemClock(),
		retention: store.DefaultRetention(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterProduct creates a product in status Registered and returns its id.
// Ids start at 1 and are never reused. Field contents are not validated.
func (c *Controller) RegisterProduct(ctx context.Context, name, manufacturer, location string) (id uint64, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe(OpRegisterProduct, start, err) }()

	now := c.clock.Now()
	var liveUntil uint64
	err = c.backend.Update(ctx, func(tx store.Tx) error {
		n, err := tx.Counter(store.CounterProducts)
		if err != nil {
			return err
		}
		p := store.Product{
			ID:              n + 1,
			Name:            name,
			Manufacturer:    manufacturer,
			CurrentLocation: location,
			Status:          store.StatusRegistered,
			Timestamp:       now,
		}
		if err := tx.PutProduct(p); err != nil {
			return err
		}
		if err := tx.SetCounter(store.CounterProducts, p.ID); err != nil {
			return err
		}
		if liveUntil, err = c.extend(tx, now); err != nil {
			return err
		}
		id = p.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("register product: %w", err)
	}

	c.metrics.SetLiveUntil(liveUntil)
	c.logger.Info("product registered",
		"productID", id,
		"name", name,
		"manufacturer", manufacturer,
		"location", location,
		"timestamp", now,
	)
	return id, nil
}

// AddSupplyStep appends a custody event and returns its id. A known product moves
// to In Transit at location. A Delivered product is terminal: the step is still
// recorded, but the product keeps its Delivered status, location and timestamp.
// An unknown product yields an orphan step, or store.ErrNotFound in strict mode.
func (c *Controller) AddSupplyStep(ctx context.Context, productID uint64, location, handler, notes string) (id uint64, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe(OpAddSupplyStep, start, err) }()

	now := c.clock.Now()
	var (
		orphan, terminal bool
		liveUntil        uint64
	)
	err = c.backend.Update(ctx, func(tx store.Tx) error {
		n, err := tx.Counter(store.CounterSteps)
		if err != nil {
			return err
		}
		step := store.SupplyStep{
			ID:        n + 1,
			ProductID: productID,
			Location:  location,
			Handler:   handler,
			Notes:     notes,
			Timestamp: now,
		}

		p, found, err := tx.Product(productID)
		if err != nil {
			return err
		}
		switch {
		case !found && c.strict:
			return store.ErrNotFound
		case !found:
			orphan = true
		case !p.Status.CanTransition(store.StatusInTransit):
			terminal = true
		default:
			p.CurrentLocation = location
			p.Status = store.StatusInTransit
			p.Timestamp = now
			if err := tx.PutProduct(p); err != nil {
				return err
			}
		}

		if err := tx.PutStep(step); err != nil {
			return err
		}
		if err := tx.SetCounter(store.CounterSteps, step.ID); err != nil {
			return err
		}
		if liveUntil, err = c.extend(tx, now); err != nil {
			return err
		}
		id = step.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("product not found",
				"operation", OpAddSupplyStep,
				"productID", productID,
			)
		}
		return 0, fmt.Errorf("add supply step for product %d: %w", productID, err)
	}

	if orphan {
		c.metrics.OrphanStep()
	}
	c.metrics.SetLiveUntil(liveUntil)
	c.logger.Info("supply step added",
		"stepID", id,
		"productID", productID,
		"location", location,
		"handler", handler,
		"orphan", orphan,
		"terminal", terminal,
		"timestamp", now,
	)
	return id, nil
}

// MarkDelivered moves a product to Delivered at consumerLocation. Delivering an
// already delivered product only refreshes its location and timestamp.
// Unknown products fail with store.ErrNotFound and nothing is written.
func (c *Controller) MarkDelivered(ctx context.Context, productID uint64, consumerLocation string) (err error) {
	start := time.Now()
	defer func() { c.metrics.Observe(OpMarkDelivered, start, err) }()

	now := c.clock.Now()
	var liveUntil uint64
	err = c.backend.Update(ctx, func(tx store.Tx) error {
		p, found, err := tx.Product(productID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		if !p.Status.CanTransition(store.StatusDelivered) {
			return fmt.Errorf("product status %q cannot be delivered", p.Status)
		}
		p.CurrentLocation = consumerLocation
		p.Status = store.StatusDelivered
		p.Timestamp = now
		if err := tx.PutProduct(p); err != nil {
			return err
		}
		liveUntil, err = c.extend(tx, now)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("product not found",
				"operation", OpMarkDelivered,
				"productID", productID,
			)
		}
		return fmt.Errorf("mark delivered product %d: %w", productID, err)
	}

	c.metrics.SetLiveUntil(liveUntil)
	c.logger.Info("product delivered",
		"productID", productID,
		"location", consumerLocation,
		"timestamp", now,
	)
	return nil
}

// FindProduct returns the product and whether it exists.
func (c *Controller) FindProduct(ctx context.Context, productID uint64) (p store.Product, found bool, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe(OpViewProduct, start, err) }()

	err = c.backend.View(ctx, func(tx store.Tx) error {
		p, found, err = tx.Product(productID)
		return err
	})
	if err != nil {
		return store.Product{}, false, fmt.Errorf("view product %d: %w", productID, err)
	}
	return p, found, nil
}

// ViewProduct returns the product, or store.NotFoundProduct() when it doesn't exist.
func (c *Controller) ViewProduct(ctx context.Context, productID uint64) (store.Product, error) {
	p, found, err := c.FindProduct(ctx, productID)
	if err != nil {
		return store.Product{}, err
	}
	if !found {
		return store.NotFoundProduct(), nil
	}
	return p, nil
}

// ViewStep returns a supply step and whether it exists.
func (c *Controller) ViewStep(ctx context.Context, stepID uint64) (s store.SupplyStep, found bool, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe(OpViewStep, start, err) }()

	err = c.backend.View(ctx, func(tx store.Tx) error {
		s, found, err = tx.Step(stepID)
		return err
	})
	if err != nil {
		return store.SupplyStep{}, false, fmt.Errorf("view step %d: %w", stepID, err)
	}
	return s, found, nil
}

// Retention returns the current retention horizon in ledger seconds, 0 if no
// write has happened yet.
func (c *Controller) Retention(ctx context.Context) (uint64, error) {
	var liveUntil uint64
	err := c.backend.View(ctx, func(tx store.Tx) error {
		var err error
		liveUntil, err = tx.LiveUntil()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read retention: %w", err)
	}
	return liveUntil, nil
}

func (c *Controller) extend(tx store.Tx, now uint64) (uint64, error) {
	if err := tx.ExtendRetention(now, c.retention); err != nil {
		return 0, err
	}
	return tx.LiveUntil()
}

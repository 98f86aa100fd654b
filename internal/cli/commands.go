package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacentio/waybill/internal/metrics"
	"github.com/jacentio/waybill/lifecycle"
	"github.com/jacentio/waybill/store"
)

// NewRegisterCommand creates the register command.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <name> <manufacturer> <location>",
		Short: "Register a new product",
		Long: `Register a new product at its origin location.

Example:
  waybill register Widget Acme Factory`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd, func(ctx context.Context, c *lifecycle.Controller) error {
				id, err := c.RegisterProduct(ctx, args[0], args[1], args[2])
				if err != nil {
					return opts.fail(cmd, err)
				}
				return opts.printer(cmd).ok(
					struct {
						ProductID uint64 `json:"product_id"`
					}{id},
					fmt.Sprintf("Registered product %d", id),
				)
			})
		},
	}
}

// NewStepCommand creates the step command.
func NewStepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "step <product-id> <location> <handler> [notes]",
		Short: "Record a supply step for a product",
		Long: `Record a custody handoff. The product moves to In Transit at the
step location unless it has already been delivered.

Example:
  waybill step 1 Warehouse Bob "kept cold"`,
		Args:          cobra.RangeArgs(3, 4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := opts.parseID(cmd, "product id", args[0])
			if err != nil {
				return err
			}
			var notes string
			if len(args) == 4 {
				notes = args[3]
			}
			return opts.withController(cmd, func(ctx context.Context, c *lifecycle.Controller) error {
				id, err := c.AddSupplyStep(ctx, productID, args[1], args[2], notes)
				if err != nil {
					return opts.fail(cmd, err)
				}
				return opts.printer(cmd).ok(
					struct {
						StepID uint64 `json:"step_id"`
					}{id},
					fmt.Sprintf("Recorded step %d for product %d", id, productID),
				)
			})
		},
	}
}

// NewDeliverCommand creates the deliver command.
func NewDeliverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <product-id> <consumer-location>",
		Short: "Mark a product as delivered",
		Long: `Mark a product as delivered to its consumer. Delivering again only
refreshes the location and timestamp.

Example:
  waybill deliver 1 "12 High Street"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := opts.parseID(cmd, "product id", args[0])
			if err != nil {
				return err
			}
			return opts.withController(cmd, func(ctx context.Context, c *lifecycle.Controller) error {
				if err := c.MarkDelivered(ctx, productID, args[1]); err != nil {
					return opts.fail(cmd, err)
				}
				return opts.printer(cmd).ok(
					struct {
						ProductID uint64 `json:"product_id"`
						Status    string `json:"status"`
					}{productID, string(store.StatusDelivered)},
					fmt.Sprintf("Delivered product %d", productID),
				)
			})
		},
	}
}

// NewViewCommand creates the view command.
func NewViewCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view <product-id>",
		Short: "Show a product's current custody state",
		Long: `Show a product's current custody state. Unknown ids print the
Not_Found placeholder record rather than failing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := opts.parseID(cmd, "product id", args[0])
			if err != nil {
				return err
			}
			return opts.withController(cmd, func(ctx context.Context, c *lifecycle.Controller) error {
				p, err := c.ViewProduct(ctx, productID)
				if err != nil {
					return opts.fail(cmd, err)
				}
				return opts.printer(cmd).ok(p, formatProduct(p))
			})
		},
	}
}

// NewViewStepCommand creates the view-step command.
func NewViewStepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "view-step <step-id>",
		Short:         "Show a recorded supply step",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			stepID, err := opts.parseID(cmd, "step id", args[0])
			if err != nil {
				return err
			}
			return opts.withController(cmd, func(ctx context.Context, c *lifecycle.Controller) error {
				s, found, err := c.ViewStep(ctx, stepID)
				if err != nil {
					return opts.fail(cmd, err)
				}
				if !found {
					return opts.fail(cmd, fmt.Errorf("step %d: %w", stepID, store.ErrNotFound))
				}
				return opts.printer(cmd).ok(s, formatStep(s))
			})
		},
	}
}

// NewRetentionCommand creates the retention command.
func NewRetentionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retention",
		Short:         "Show the instance retention horizon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd, func(ctx context.Context, c *lifecycle.Controller) error {
				liveUntil, err := c.Retention(ctx)
				if err != nil {
					return opts.fail(cmd, err)
				}
				text := fmt.Sprintf("Live until %d", liveUntil)
				if liveUntil == 0 {
					text = "No writes recorded"
				}
				return opts.printer(cmd).ok(
					struct {
						LiveUntil uint64 `json:"live_until"`
					}{liveUntil},
					text,
				)
			})
		},
	}
}

// fail reports an operation error and exits with ExitFailure.
func (o *RootOptions) fail(cmd *cobra.Command, err error) error {
	return o.report(cmd, ExitFailure, strings.ToUpper(metrics.Classify(err)), err)
}

// report writes err in the selected format and marks it reported. If writing
// fails main prints err instead.
func (o *RootOptions) report(cmd *cobra.Command, exitCode int, code string, err error) error {
	if perr := o.printer(cmd).fail(code, err.Error()); perr != nil {
		return &ExitError{Code: exitCode, Err: err}
	}
	return &ExitError{Code: exitCode, Err: err, Reported: true}
}

func (o *RootOptions) parseID(cmd *cobra.Command, what, s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, o.report(cmd, ExitCommandError, "INVALID_ARGUMENT", fmt.Errorf("invalid %s %q", what, s))
	}
	return id, nil
}

func formatProduct(p store.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product %d\n", p.ID)
	fmt.Fprintf(&b, "  Name:          %s\n", p.Name)
	fmt.Fprintf(&b, "  Manufacturer:  %s\n", p.Manufacturer)
	fmt.Fprintf(&b, "  Location:      %s\n", p.CurrentLocation)
	fmt.Fprintf(&b, "  Status:        %s\n", p.Status)
	fmt.Fprintf(&b, "  Timestamp:     %d", p.Timestamp)
	return b.String()
}

func formatStep(s store.SupplyStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d (product %d)\n", s.ID, s.ProductID)
	fmt.Fprintf(&b, "  Location:      %s\n", s.Location)
	fmt.Fprintf(&b, "  Handler:       %s\n", s.Handler)
	fmt.Fprintf(&b, "  Notes:         %s\n", s.Notes)
	fmt.Fprintf(&b, "  Timestamp:     %d", s.Timestamp)
	return b.String()
}

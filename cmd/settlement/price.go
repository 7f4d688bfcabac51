package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"settlement/internal/domain"
	"settlement/internal/pricefeed"
)

func priceCmd() *cobra.Command {
	var amount string

	cmd := &cobra.Command{
		Use:   "price [PAIR]",
		Short: "Print the consensus price for a pair, STX-USD by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairArg := "STX-USD"
			if len(args) == 1 {
				pairArg = args[0]
			}
			pair, err := domain.ParseAssetPair(pairArg)
			if err != nil {
				return err
			}

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			agg, cleanup, err := newPriceFeed(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			q := agg.Quote(cmd.Context(), pair)
			out := map[string]any{
				"pair":        pair.String(),
				"price":       q.Price,
				"source":      q.Source,
				"observed_at": q.ObservedAt,
			}
			if amount != "" {
				a, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", amount, err)
				}
				out["amount"] = a
				out["fiat"] = pricefeed.ToFiat(a, q.Price)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "also convert this asset amount to fiat")
	return cmd
}

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/operations"
)

// newResolveCmd creates the 'resolve' subcommand. It resolves every link in
// the given text (or stdin when no text is given) and prints one URL per line.
func newResolveCmd() *cobra.Command {
	var req operations.Request
	cmd := &cobra.Command{
		Use:   "resolve [text...]",
		Short: "Resolve the links in a piece of share text",
		Example: `  taskhub resolve "look at this https://vm.tiktok.com/ZM123/"
  pbpaste | taskhub resolve --proxy 127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req.Text = strings.Join(args, " ")
			if req.Text == "" {
				data, readErr := io.ReadAll(cmd.InOrStdin())
				if readErr != nil {
					return fmt.Errorf("read stdin: %w", readErr)
				}
				req.Text = string(data)
			}

			results, err := appInstance.ResolveText(cmd.Context(), req)
			if errors.Is(err, operations.ErrNoURLs) {
				appInstance.Logger().Info("no urls found in input")
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, res := range results {
				appInstance.Logger().Debug("resolved",
					zap.String("raw", res.Raw),
					zap.String("url", res.URL),
					zap.String("method", string(res.Method)),
				)
				if _, err := fmt.Fprintln(out, res.URL); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Proxy, "proxy", "", "proxy for outbound requests (host:port or URL)")
	cmd.Flags().StringVar(&req.Cookie, "cookie", "", "cookie header sent with every request")
	return cmd
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wippyai/nep-sign/signer"
)

func signCmd(a *app) *cobra.Command {
	var (
		req     signer.Request
		get     bool
		headers map[string]string
	)

	cmd := &cobra.Command{
		Use:     "sign",
		Short:   "Sign one request and print the signed URL",
		Example: `nepsign sign --url "https://example.com/api?a=1" --content '{"k":"v"}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.openBridge(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close(context.Background())

			req.Method = signer.MethodPost
			if get {
				req.Method = signer.MethodGet
				req.Headers = headers
			}
			res := signer.New(b).Sign(cmd.Context(), req)
			if !res.Success {
				return fmt.Errorf("%s: %s", res.ErrorKind, res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.SignedURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.URL, "url", "", "request URL")
	cmd.Flags().StringVar(&req.Content, "content", "", "request body (POST only)")
	cmd.Flags().BoolVar(&get, "get", false, "sign a GET request")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "extra header for GET signing, key=value")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

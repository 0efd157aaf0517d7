package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/dreamware/kensuke/internal/storage"
)

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage node accounts",
	}

	cmd.AddCommand(
		newAccountAddCmd(a),
		newAccountImportCmd(a),
		newAccountListCmd(a),
	)

	return cmd
}

func newAccountAddCmd(a *app) *cobra.Command {
	var password string
	var scopes []string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a node account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			acc, err := store.RegisterAccount(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if err := grantScopes(cmd.Context(), store, acc, scopes); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "account %s registered\n", acc.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "scopes the account may use")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// seedFile is the YAML layout read by "account import".
type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	ID            string   `yaml:"id"`
	Password      string   `yaml:"password"`
	PasswordHash  string   `yaml:"passwordHash"`
	AllowedScopes []string `yaml:"allowedScopes"`
}

func newAccountImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or replace accounts from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var seed seedFile
			if err := yaml.Unmarshal(data, &seed); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			store, _, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			for _, s := range seed.Accounts {
				if err := importAccount(cmd.Context(), store, s); err != nil {
					return fmt.Errorf("account %q: %w", s.ID, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "account %s imported\n", s.ID)
			}
			return nil
		},
	}
}

func importAccount(ctx context.Context, store storage.Store, s seedAccount) error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	hash := s.PasswordHash
	if s.Password != "" {
		var err error
		if hash, err = storage.HashPassword(s.Password); err != nil {
			return err
		}
	}
	if hash == "" {
		return errors.New("password or passwordHash is required")
	}

	acc := storage.Account{ID: s.ID, PasswordHash: hash, AllowedScopes: []string{}}
	if err := store.PutAccount(ctx, acc); err != nil {
		return err
	}
	return grantScopes(ctx, store, acc, s.AllowedScopes)
}

// grantScopes adds scopes to acc's allow-list, registering the ones that do
// not exist yet with acc as owner.
func grantScopes(ctx context.Context, store storage.Store, acc storage.Account, scopes []string) error {
	for _, raw := range scopes {
		id := storage.NormalizeScope(strings.TrimSpace(raw))
		if _, ok := store.Scope(id); !ok {
			if _, err := store.RegisterScope(ctx, id, acc.ID); err != nil {
				return err
			}
			continue
		}
		current, _ := store.Account(acc.ID)
		if current.Allows(id) {
			continue
		}
		current.AllowedScopes = append(current.AllowedScopes, id)
		if err := store.PutAccount(ctx, current); err != nil {
			return err
		}
	}
	return nil
}

func newAccountListCmd(a *app) *cobra.Command {
	var asTOML bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List node accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			accounts := store.Accounts()
			if asTOML {
				data, err := toml.Marshal(struct {
					Accounts []storage.Account `toml:"accounts"`
				}{Accounts: accounts})
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return printAccounts(cmd.OutOrStdout(), accounts)
		},
	}
	cmd.Flags().BoolVar(&asTOML, "toml", false, "export accounts, including password hashes, as TOML")
	return cmd
}

func printAccounts(out io.Writer, accounts []storage.Account) error {
	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = bold.Fprintf(w, "ACCOUNT\tSCOPES\n")
	for _, acc := range accounts {
		scopes := strings.Join(acc.AllowedScopes, ",")
		if scopes == "" {
			scopes = color.New(color.Faint).Sprint("-")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", acc.ID, scopes)
	}
	return w.Flush()
}

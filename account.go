package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/hollevik/streamsub/save"
)

var accountCMD = &cli.Command{
	Name:  "account",
	Usage: "Manage stored accounts",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "plain-credentials",
			Usage: "Store credentials in a plain config file instead of the OS keyring",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "add",
			Usage: "Add an account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "id", Usage: "Platform user id, generated when omitted"},
				&cli.StringFlag{Name: "name", Usage: "Display name", Required: true},
				&cli.StringFlag{Name: "access-token", Usage: "OAuth access token", Required: true},
				&cli.StringFlag{Name: "refresh-token", Usage: "OAuth refresh token"},
				&cli.BoolFlag{Name: "main", Usage: "Mark as the main account", Value: true},
			},
			Action: func(_ context.Context, command *cli.Command) error {
				provider := save.NewAccountProvider(credentialStore(command, afero.NewOsFs()))

				id := command.String("id")
				if id == "" {
					id = uuid.NewString()
				}

				return provider.Add(save.Account{
					ID:           id,
					DisplayName:  command.String("name"),
					IsMain:       command.Bool("main"),
					AccessToken:  command.String("access-token"),
					RefreshToken: command.String("refresh-token"),
				})
			},
		},
		{
			Name:  "remove",
			Usage: "Remove an account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "id", Usage: "Account id", Required: true},
			},
			Action: func(_ context.Context, command *cli.Command) error {
				provider := save.NewAccountProvider(credentialStore(command, afero.NewOsFs()))
				return provider.Remove(command.String("id"))
			},
		},
		{
			Name:  "list",
			Usage: "List stored accounts",
			Action: func(_ context.Context, command *cli.Command) error {
				provider := save.NewAccountProvider(credentialStore(command, afero.NewOsFs()))

				accounts, err := provider.GetAllAccounts()
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tMAIN\tCREATED")

				for _, a := range accounts {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", a.ID, a.DisplayName, a.IsMain, a.CreatedAt.Format("2006-01-02"))
				}

				return w.Flush()
			},
		},
	},
}

package main

import (
	"fmt"

	mcobra "github.com/muesli/mango-cobra"
	"github.com/muesli/roff"
	"github.com/spf13/cobra"
)

var manCmd = &cobra.Command{
	Use:                   "man",
	Short:                 "Generates manpages",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Hidden:                true,
	Args:                  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		page, err := mcobra.NewManPage(1, rootCmd)
		if err != nil {
			return fmt.Errorf("unable to build man page: %w", err)
		}

		page = page.WithSection("Environment",
			"OPENAI_API_KEY\n    API key for the openai speech provider.\n"+
				"READALOUD_SIGNING_KEY\n    key used to sign audio URLs.\n"+
				"READALOUD_USER\n    user recorded on conversions.")
		fmt.Println(page.Build(roff.NewDocument()))
		return nil
	},
}

package main

import (
	"github.com/go-go-golems/cardstream/pkg/cmds"
	"github.com/go-go-golems/cardstream/pkg/redisstream"
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/geppetto/pkg/steps/ai/settings"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cardstream",
	Short: "Interactive card session engine for chat bots",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}
		if f := cmd.Flags(); f != nil {
			lvl, _ := f.GetString("log-level")
			if lvl != "" {
				if l, err := zerolog.ParseLevel(lvl); err == nil {
					zerolog.SetGlobalLevel(l)
				}
			}
			withCaller, _ := f.GetBool("with-caller")
			if withCaller {
				log.Logger = log.Logger.With().Caller().Logger()
			}
		}
		return nil
	},
}

func main() {
	if err := clay.InitGlazed("cardstream", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	serve, err := NewServeCommand()
	cobra.CheckErr(err)
	command, err := cmds.BuildCobraCommandWithGeppettoMiddlewares(serve)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	worker, err := NewWorkerCommand()
	cobra.CheckErr(err)
	command, err = cmds.BuildCobraCommandWithGeppettoMiddlewares(worker,
		cli.WithCobraShortHelpSections(schema.DefaultSlug, redisstream.SectionSlug, settings.AiChatSlug))
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	cobra.CheckErr(rootCmd.Execute())
}

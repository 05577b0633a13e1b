package cmds

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/cardstream/pkg/redisstream"
	"github.com/go-go-golems/geppetto/pkg/steps/ai/settings"
	"github.com/go-go-golems/geppetto/pkg/steps/ai/settings/claude"
	"github.com/go-go-golems/geppetto/pkg/steps/ai/settings/openai"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
)

const (
	AppName = "cardstream"
	// EnvPrefix is the prefix of environment overrides, e.g. CARDSTREAM_REDIS_ADDR.
	EnvPrefix = "CARDSTREAM"
)

// EnvSections are the sections environment variables may set. Flags of the
// command itself stay command line only.
var EnvSections = []string{
	settings.AiChatSlug,
	settings.AiClientSlug,
	openai.OpenAiChatSlug,
	claude.ClaudeChatSlug,
	redisstream.SectionSlug,
}

func BuildCobraCommandWithGeppettoMiddlewares(
	cmd cmds.Command,
	options ...cli.CobraOption,
) (*cobra.Command, error) {
	options_ := []cli.CobraOption{
		cli.WithCobraMiddlewaresFunc(GetCobraCommandGeppettoMiddlewares),
		cli.WithCobraShortHelpSections(schema.DefaultSlug, redisstream.SectionSlug),
	}
	// the geppetto sections bring their own profile section
	if _, ok := cmd.Description().Schema.Get(cli.ProfileSettingsSlug); !ok {
		options_ = append(options_, cli.WithProfileSettingsSection())
	}
	options_ = append(options_, options...)

	return cli.BuildCobraCommand(cmd, options_...)
}

// DefaultProfileFile is where profiles are read from when --profile-file is
// not given.
func DefaultProfileFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName, "profiles.yaml"), nil
}

// GetCobraCommandGeppettoMiddlewares resolves values, highest precedence
// first: flags, arguments, --config-file, the selected profile, the
// environment, defaults.
func GetCobraCommandGeppettoMiddlewares(
	parsedCommandSections *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	commandSettings := &cli.CommandSettings{}
	if err := parsedCommandSections.DecodeSectionInto(cli.CommandSettingsSlug, commandSettings); err != nil {
		return nil, err
	}

	profileSettings := &cli.ProfileSettings{}
	if _, ok := parsedCommandSections.Get(cli.ProfileSettingsSlug); ok {
		if err := parsedCommandSections.DecodeSectionInto(cli.ProfileSettingsSlug, profileSettings); err != nil {
			return nil, err
		}
	}

	middlewares_ := []sources.Middleware{
		sources.FromCobra(cmd, fields.WithSource("cobra")),
		sources.FromArgs(args, fields.WithSource("arguments")),
	}

	if commandSettings.ConfigFile != "" {
		middlewares_ = append(middlewares_,
			sources.FromFile(commandSettings.ConfigFile,
				sources.WithParseOptions(fields.WithSource("config"))))
	}

	defaultProfileFile, err := DefaultProfileFile()
	if err != nil {
		return nil, err
	}
	if profileSettings.ProfileFile == "" {
		profileSettings.ProfileFile = defaultProfileFile
	}
	if profileSettings.Profile == "" {
		profileSettings.Profile = "default"
	}
	middlewares_ = append(middlewares_,
		sources.GatherFlagsFromProfiles(
			defaultProfileFile,
			profileSettings.ProfileFile,
			profileSettings.Profile,
			"default",
			fields.WithSource("profiles"),
			fields.WithMetadata(map[string]interface{}{
				"profileFile": profileSettings.ProfileFile,
				"profile":     profileSettings.Profile,
			}),
		),
		sources.WrapWithWhitelistedSections(
			EnvSections,
			sources.FromEnv(EnvPrefix, fields.WithSource("env")),
		),
		sources.FromDefaults(fields.WithSource(fields.SourceDefaults)),
	)

	return middlewares_, nil
}

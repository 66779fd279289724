package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/operator/internal/adapters/filesystem"
	"github.com/example/operator/internal/config"
	"github.com/example/operator/internal/db"
	"github.com/example/operator/internal/wire"
)

// InitCmd returns the init command
func InitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize an operator workspace",
		Long: `Create the queue directories, operator/config.toml with defaults and the
event database in the workspace root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := wire.Workspace()
			fmt.Printf("Initializing operator workspace at %s\n", root)

			if err := filesystem.NewQueueStore(root).Init(NewContext()); err != nil {
				return fmt.Errorf("failed to create queue directories: %w", err)
			}
			fmt.Println("✓ Queue directories ready (queue/, in-progress/, completed/)")

			path, err := config.WriteDefault(root)
			if err != nil {
				fmt.Printf("  Skipped config: %v\n", err)
			} else {
				fmt.Printf("✓ Config written to %s\n", path)
			}

			database, err := db.Open(db.Path(root))
			if err != nil {
				return err
			}
			defer database.Close()
			fmt.Printf("✓ Event database at %s\n", db.Path(root))

			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Println("  Clone projects into the source root (default repos/)")
			fmt.Println("  operator enqueue --type FEAT --project <repo> --summary \"...\"")
			fmt.Println("  operator run")

			return nil
		},
	}
}

// VersionCmd returns the version command
func VersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

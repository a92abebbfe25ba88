package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/proepkes/SpeedDate-sub000/internal/api"
	"github.com/proepkes/SpeedDate-sub000/internal/config"
)

var baseURL string

func main() {
	root := &cobra.Command{
		Use:   "masterctl",
		Short: "Inspect a running game master node",
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8080", "Master HTTP address")

	root.AddCommand(
		statusCmd(),
		roomsCmd(),
		lobbiesCmd(),
		healthCmd(),
		setupCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show spawners, rooms and lobbies",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(baseURL)
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("Peers: %d | Spawners: %d | Rooms: %d | Lobbies: %d\n",
				status.Peers, len(status.Spawners), len(status.Rooms), len(status.Lobbies))

			if len(status.Spawners) > 0 {
				fmt.Println("\nSpawners:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "ID\tREGION\tIP\tMAX\tFREE\tQUEUED\n")
				for _, s := range status.Spawners {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\n",
						s.ID, s.Region, s.MachineIP, s.MaxProcesses, s.FreeSlots, s.QueueLength)
				}
				w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func roomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List public game rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(baseURL)
			rooms, err := client.Rooms()
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				fmt.Println("No public rooms.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "ID\tNAME\tADDRESS\tPLAYERS\tLOCKED\n")
			for _, r := range rooms {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%v\n",
					r.ID, r.Name, r.Address, r.Players, r.MaxPlayers, r.Passworded)
			}
			w.Flush()
			return nil
		},
	}
}

func lobbiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lobbies",
		Short: "List public lobbies",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(baseURL)
			lobbies, err := client.Lobbies()
			if err != nil {
				return err
			}
			if len(lobbies) == 0 {
				fmt.Println("No public lobbies.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "ID\tNAME\tTYPE\tSTATE\tPLAYERS\n")
			for _, l := range lobbies {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\n",
					l.ID, l.Name, l.FactoryID, l.State, l.Players, l.MaxPlayers)
			}
			w.Flush()
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the master is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(baseURL)
			if err := client.Health(); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "First-time setup: generate the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(config.ConfigPath()); os.IsNotExist(err) {
				if err := config.Save(config.Default()); err != nil {
					return fmt.Errorf("saving default config: %w", err)
				}
				fmt.Printf("Created %s\n", config.ConfigPath())
			} else {
				fmt.Println("Config already exists, skipping")
			}
			return nil
		},
	}
}

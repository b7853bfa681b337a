// Preforkctl sends control commands to a running prefork master over its
// admin socket.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/searchktools/prefork/core/ctrl"
)

var sockPath string

func main() {
	root := &cobra.Command{
		Use:           "preforkctl",
		Short:         "Control a running prefork master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&sockPath, "sock", "s", "/tmp/prefork.sock",
		"admin socket path (--ctl-sock on the server)")

	root.AddCommand(
		statusCommand(),
		simpleCommand("reload", "Replace every worker with a fresh pool", ctrl.CmdReload),
		simpleCommand("stop", "Shut the server down", ctrl.CmdStop),
		simpleCommand("scale-up", "Raise the desired worker count by one", ctrl.CmdScaleUp),
		simpleCommand("scale-down", "Lower the desired worker count by one (floor 1)", ctrl.CmdScaleDown),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(ctrl.NewMessage(ctrl.CmdStatus, nil))
			if err != nil {
				return err
			}
			fmt.Printf("prefork %s, master pid %s\n", resp.Get("version"), resp.Get("pid"))
			fmt.Printf("endpoints: %s\n", resp.Get("endpoints"))
			fmt.Printf("desired workers: %s\n", resp.Get("desired"))
			workers := resp.Get("workers")
			if workers == "" {
				fmt.Println("no live workers")
				return nil
			}
			for _, entry := range strings.Split(workers, ",") {
				pid, spawned, _ := strings.Cut(entry, ":")
				ts, err := strconv.ParseInt(spawned, 10, 64)
				if err != nil {
					fmt.Printf("  worker %s\n", pid)
					continue
				}
				fmt.Printf("  worker %s, up %s\n", pid,
					time.Since(time.Unix(ts, 0)).Round(time.Second))
			}
			return nil
		},
	}
}

func simpleCommand(use, short string, comd uint32) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(ctrl.NewMessage(comd, nil)); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func call(req *ctrl.Message) (*ctrl.Message, error) {
	client, err := ctrl.Dial(sockPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Call(req)
}

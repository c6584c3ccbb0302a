package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/youpaw/taskmaster/internal/controlclient"
)

// runShell is the interactive REPL taskmasterctl falls into when
// invoked with no subcommand: a prompt, one command per line sent to
// the daemon, status-coded output, and "exit" or stop_server to leave.
// There is no tab completion yet; the task-name list is still fetched
// on start so a completer has somewhere to plug in.
func runShell(socketPath string) {
	client := controlclient.New(socketPath)
	fmt.Printf("taskmaster shell on %s\n", socketPath)

	if names, err := client.TaskNames(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not reach daemon:", err)
	} else {
		fmt.Printf("%d task(s) loaded\n", len(names))
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("tm> ")
		if !scanner.Scan() {
			fmt.Println("\nexiting shell...")
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			fmt.Println("exiting shell...")
			return
		}

		resp, err := client.Send(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "shell:", err)
			continue
		}

		switch resp.Status {
		case 0:
			if resp.Msg != "" {
				fmt.Println(resp.Msg)
			}
			if resp.Command == "stop_server" {
				return
			}
		case 1:
			fmt.Fprintln(os.Stderr, "daemon:", resp.Msg)
		case 2:
			fmt.Fprintln(os.Stderr, resp.Msg)
		default:
			fmt.Fprintln(os.Stderr, "shell: unknown status", resp.Status)
		}
	}
}

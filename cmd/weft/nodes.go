package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/node"
)

func nodesCmd() *cli.Command {
	return &cli.Command{
		Name:  "nodes",
		Usage: "Print the registered node specs as JSON",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			data, err := json.MarshalIndent(node.Default().Specs(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var clientAddCmd = &cobra.Command{
	Use:   "add <kind> <payload-json|->",
	Short: "Create a record locally and queue it",
	Args:  cobra.ExactArgs(2),
	RunE:  runClientAdd,
}

var clientUpdateCmd = &cobra.Command{
	Use:   "update <id> <payload-json|->",
	Short: "Replace a record's payload locally and queue the update",
	Args:  cobra.ExactArgs(2),
	RunE:  runClientUpdate,
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record locally and queue the delete",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientDelete,
}

var clientGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a record from the local replica",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientGet,
}

var clientListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List records in the local replica",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClientList,
}

func runClientAdd(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd, args[1])
	if err != nil {
		return err
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	rec, err := c.Add(context.Background(), args[0], payload)
	if err != nil {
		return err
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runClientUpdate(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd, args[1])
	if err != nil {
		return err
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	rec, err := c.Update(context.Background(), args[0], payload)
	if err != nil {
		return err
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runClientDelete(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	if err := c.Delete(context.Background(), args[0]); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      args[0],
			"deleted": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runClientGet(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	rec, err := c.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runClientList(cmd *cobra.Command, args []string) error {
	kind := ""
	if len(args) == 1 {
		kind = args[0]
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	records, err := c.List(context.Background(), kind)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"records": records,
			"total":   len(records),
		})
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No records found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tUPDATED\tPAYLOAD")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.ID,
			r.Kind,
			r.UpdatedAt.Format("2006-01-02 15:04"),
			r.Payload,
		)
	}
	w.Flush()

	return nil
}

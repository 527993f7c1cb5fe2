package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tezfed/pkg/types"
)

const requestTimeout = 30 * time.Second

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect the node identity",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show host, node ID and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			info, err := conn.Identity(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderIdentity(info))
			return nil
		},
	})
	return cmd
}

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage the trust registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			peers, err := conn.ListPeers(ctx)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println(mutedStyle.Render("No peers known yet."))
				return nil
			}
			fmt.Println(renderPeers(peers))
			return nil
		},
	})

	for _, level := range []types.TrustLevel{types.TrustTrusted, types.TrustBlocked, types.TrustPending} {
		cmd.AddCommand(trustCmd(level))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <host>",
		Short: "Forget a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			if err := conn.DeletePeer(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", successStyle.Render("Deleted"), args[0])
			return nil
		},
	})
	return cmd
}

func trustCmd(level types.TrustLevel) *cobra.Command {
	use := map[types.TrustLevel]string{
		types.TrustTrusted: "trust",
		types.TrustBlocked: "block",
		types.TrustPending: "pending",
	}[level]

	return &cobra.Command{
		Use:   use + " <host>",
		Short: fmt.Sprintf("Set a peer's trust level to %s", level),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			peer, err := conn.SetTrustLevel(ctx, args[0], level)
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", peer.Host, trustBadge(peer.TrustLevel))
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive outbound deliveries",
	}

	var status []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			var statuses []types.OutboxStatus
			for _, s := range status {
				statuses = append(statuses, types.OutboxStatus(strings.ToLower(s)))
			}
			entries, err := conn.ListOutbox(ctx, statuses...)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(mutedStyle.Render("Outbox is empty."))
				return nil
			}
			fmt.Println(renderOutbox(entries))
			return nil
		},
	}
	list.Flags().StringSliceVar(&status, "status", nil, "filter by status (pending, failed, delivered, expired)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Attempt every due entry now",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			res, err := conn.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Attempted %d entries\n", res.Attempted)
			if res.Error != "" {
				fmt.Println(dangerStyle.Render(res.Error))
			}
			return nil
		},
	})
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage local mailboxes",
	}

	var displayName string
	add := &cobra.Command{
		Use:   "add <handle>",
		Short: "Create a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			u, err := conn.AddUser(ctx, args[0], displayName)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", successStyle.Render("User"), u.Handle, mutedStyle.Render(u.ID))
			return nil
		},
	}
	add.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local users",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			users, err := conn.ListUsers(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderUsers(users))
			return nil
		},
	})
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		from    string
		to      []string
		msgType string
		urgency string
		layers  []string
	)

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message from a local user",
		Long: `Send a message. Local recipients receive it immediately; recipients on
other hosts are queued in the outbox.

Context layers are given as layer=content, for example
  --context background="met at the offsite"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.SendRequest{
				From:        from,
				To:          to,
				Type:        msgType,
				SurfaceText: args[0],
				Urgency:     urgency,
			}
			for _, l := range layers {
				layer, content, ok := strings.Cut(l, "=")
				if !ok || layer == "" {
					return fmt.Errorf("invalid --context %q (expected layer=content)", l)
				}
				req.Context = append(req.Context, types.ContextItem{Layer: layer, Content: content})
			}

			conn, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			res, err := conn.Send(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(renderSend(res))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address (handle@this-host)")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient addresses")
	cmd.Flags().StringVar(&msgType, "type", "", "message type (default note)")
	cmd.Flags().StringVar(&urgency, "urgency", "", "urgency hint")
	cmd.Flags().StringArrayVar(&layers, "context", nil, "context layer as layer=content (repeatable)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

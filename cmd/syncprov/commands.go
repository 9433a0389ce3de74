package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/viant/syncprov/cookie"
	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/syncadmin"
	"github.com/viant/syncprov/syncprov"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the provider and checkpoint until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := openRuntime(ctx, *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := syncadmin.Register(rt.db, rt.provider); err != nil {
				return rt.fail(err)
			}
			rt.logger.Info("serving", "suffix", rt.provider.Suffix(), "store", rt.cfg.Store)
			<-ctx.Done()
			rt.logger.Info("shutting down")
			return rt.Close(context.Background())
		},
	}
}

func newContextCSNCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "contextcsn",
		Short: "Print the context CSN of the suffix, one value per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			for _, v := range rt.provider.ContextCSN().Values() {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return rt.Close(cmd.Context())
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print entry count, database size and context CSN",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			count, err := rt.backend.Count(ctx)
			if err != nil {
				return rt.fail(err)
			}
			var pages, pageSize int64
			if err := rt.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
				return rt.fail(err)
			}
			if err := rt.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
				return rt.fail(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "suffix:     %s\n", rt.provider.Suffix())
			fmt.Fprintf(out, "entries:    %s\n", humanize.Comma(int64(count)))
			fmt.Fprintf(out, "database:   %s\n", humanize.Bytes(uint64(pages*pageSize)))
			fmt.Fprintf(out, "store:      %s\n", rt.cfg.Store)
			fmt.Fprintf(out, "contextCSN: %s\n", rt.provider.ContextCSN())
			for _, v := range rt.provider.ContextCSN() {
				if t, err := v.Time(); err == nil {
					fmt.Fprintf(out, "  %s (%s)\n", v, humanize.Time(t))
				}
			}
			return rt.Close(ctx)
		},
	}
}

func newRefreshCmd(configPath *string) *cobra.Command {
	var (
		base, scope, filter, ck string
		reloadHint              bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run a refresh-only sync search and print the messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := dn.ParseScope(scope)
			if err != nil {
				return err
			}
			rt, err := openRuntime(ctx, *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if base == "" {
				base = rt.cfg.Suffix
			}
			out := cmd.OutOrStdout()
			_, err = rt.provider.Subscribe(ctx, syncprov.Request{
				Base:       base,
				Scope:      sc,
				Filter:     filter,
				Cookie:     ck,
				ReloadHint: reloadHint,
				Mode:       syncprov.RefreshOnly,
			}, syncprov.SenderFunc(func(_ context.Context, msg syncprov.Message) error {
				return printMessage(out, msg)
			}))
			if err != nil {
				return rt.fail(err)
			}
			return rt.Close(ctx)
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "search base (defaults to the suffix)")
	cmd.Flags().StringVar(&scope, "scope", "sub", "base, one, sub or children")
	cmd.Flags().StringVar(&filter, "filter", "", "RFC 4515 filter")
	cmd.Flags().StringVar(&ck, "cookie", "", "cookie from a previous refresh")
	cmd.Flags().BoolVar(&reloadHint, "reload-hint", false, "accept a full reload for a stale cookie")
	return cmd
}

func printMessage(w io.Writer, msg syncprov.Message) error {
	var err error
	switch m := msg.(type) {
	case *syncprov.EntryMessage:
		_, err = fmt.Fprintf(w, "%s uuid=%s dn=%q", m.State, m.UUID, m.DN)
		if err == nil && m.Cookie != "" {
			_, err = fmt.Fprintf(w, " cookie=%s", m.Cookie)
		}
		if err == nil && m.Entry != nil {
			_, err = fmt.Fprintf(w, " csn=%s%s", m.Entry.CSN, formatAttrs(m.Entry.Attrs))
		}
	case *syncprov.InfoMessage:
		_, err = fmt.Fprintf(w, "info %s done=%t deletes=%t", m.Kind, m.RefreshDone, m.RefreshDeletes)
		if err == nil && m.Cookie != "" {
			_, err = fmt.Fprintf(w, " cookie=%s", m.Cookie)
		}
		if err == nil && len(m.UUIDs) > 0 {
			_, err = fmt.Fprintf(w, " uuids=%s", strings.Join(m.UUIDs, ","))
		}
	case *syncprov.DoneMessage:
		_, err = fmt.Fprintf(w, "done deletes=%t", m.RefreshDeletes)
		if err == nil && m.Cookie != "" {
			_, err = fmt.Fprintf(w, " cookie=%s", m.Cookie)
		}
		if err == nil && m.Err != nil {
			_, err = fmt.Fprintf(w, " err=%q", m.Err.Error())
		}
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}

func formatAttrs(attrs map[string][]string) string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%s", name, strings.Join(attrs[name], "|"))
	}
	return b.String()
}

func newWriteCmd(configPath *string) *cobra.Command {
	var (
		target, newRDN, newSuperior string
		attrs, replaces, deletes    []string
		deleteOldRDN                bool
	)
	cmd := &cobra.Command{
		Use:       "write add|modify|delete|modrdn",
		Short:     "Apply one write through the provider",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"add", "modify", "delete", "modrdn"},
		RunE: func(cmd *cobra.Command, args []string) error {
			op := &directory.Op{DN: target}
			switch args[0] {
			case "add":
				values, err := parseAttrs(attrs)
				if err != nil {
					return err
				}
				op.Kind, op.Attrs = directory.OpAdd, values
			case "modify":
				op.Kind = directory.OpModify
				for _, group := range []struct {
					typ  directory.ModType
					args []string
				}{{directory.ModAdd, attrs}, {directory.ModReplace, replaces}, {directory.ModDelete, deletes}} {
					values, err := parseAttrs(group.args)
					if err != nil {
						return err
					}
					for _, name := range sortedKeys(values) {
						op.Mods = append(op.Mods, directory.Mod{Type: group.typ, Attr: name, Values: values[name]})
					}
				}
			case "delete":
				op.Kind = directory.OpDelete
			case "modrdn":
				op.Kind = directory.OpModRDN
				op.NewRDN, op.NewSuperior, op.DeleteOldRDN = newRDN, newSuperior, deleteOldRDN
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			stamp, err := rt.provider.Write(ctx, op)
			if err != nil {
				return rt.fail(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), stamp)
			return rt.Close(ctx)
		},
	}
	cmd.Flags().StringVar(&target, "dn", "", "target DN")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute value as name=value, repeatable")
	cmd.Flags().StringArrayVar(&replaces, "replace", nil, "modify: replace name=value, repeatable")
	cmd.Flags().StringArrayVar(&deletes, "delete", nil, "modify: delete name=value, repeatable")
	cmd.Flags().StringVar(&newRDN, "newrdn", "", "modrdn: new RDN")
	cmd.Flags().StringVar(&newSuperior, "newsuperior", "", "modrdn: new parent DN")
	cmd.Flags().BoolVar(&deleteOldRDN, "deleteoldrdn", false, "modrdn: drop the old RDN values")
	_ = cmd.MarkFlagRequired("dn")
	return cmd
}

func parseAttrs(args []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("attribute %q: want name=value", arg)
		}
		out[name] = append(out[name], value)
	}
	return out, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newCookieCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookie",
		Short: "Decode or compose sync cookies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode <cookie>",
		Short: "Print the parts of a cookie",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := cookie.Parse(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rid: %03d\n", ck.RID)
			if ck.SID != cookie.NoSID {
				fmt.Fprintf(out, "sid: %03x\n", ck.SID)
			}
			for _, c := range ck.CSNs {
				fmt.Fprintf(out, "csn: %s\n", c)
			}
			return nil
		},
	})

	var (
		rid, sid int
		values   []string
	)
	compose := &cobra.Command{
		Use:   "compose",
		Short: "Build a cookie from its parts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rid < 0 || rid > cookie.MaxRID {
				return fmt.Errorf("rid %d out of range", rid)
			}
			if sid > csn.MaxSID {
				return fmt.Errorf("sid %d out of range", sid)
			}
			var set csn.Set
			for _, v := range values {
				c, err := csn.Parse(v)
				if err != nil {
					return err
				}
				set = set.With(c)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cookie.Compose(rid, sid, set))
			return nil
		},
	}
	compose.Flags().IntVar(&rid, "rid", 0, "replica id")
	compose.Flags().IntVar(&sid, "sid", cookie.NoSID, "consumer server id; negative omits it")
	compose.Flags().StringArrayVar(&values, "csn", nil, "CSN, repeatable")
	cmd.AddCommand(compose)
	return cmd
}

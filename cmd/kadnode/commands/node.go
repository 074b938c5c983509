package commands

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/kadnode/internal/dht"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/routing"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running node",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List the routing table buckets of a running node",
	Args:  cobra.NoArgs,
	RunE:  runBuckets,
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List the live contacts of a running node",
	Args:  cobra.NoArgs,
	RunE:  runContacts,
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <node-id>",
	Short: "Find the nodes closest to an id",
	Args:  cobra.ExactArgs(1),
	RunE:  runLookup,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a value from the network",
	Long: `Fetch a value. A 40 character hex key is used as is; any other key is
hashed with SHA-1.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value on the network",
	Long: `Store a value on the nodes closest to the key. Use "-" as the value to
read it from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, bucketsCmd, contactsCmd, lookupCmd, getCmd, putCmd} {
		addClientFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st dht.Status
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return err
	}
	if done, err := render(st); done {
		return err
	}

	now := time.Now()
	fmt.Printf("Node:        %s\n", st.ID)
	fmt.Printf("Address:     %s\n", st.Address)
	fmt.Printf("Running:     %t (up %s)\n", st.Running, humanize.RelTime(now.Add(-st.Uptime), now, "", ""))
	fmt.Printf("Bootstrapped: %t\n", st.Bootstrapped)
	fmt.Printf("Contacts:    %s live, %s cached, %d buckets\n",
		humanize.Comma(int64(st.Contacts)), humanize.Comma(int64(st.Cached)), st.Buckets)
	fmt.Printf("Values:      %s stored, %s compressed\n",
		humanize.Comma(int64(st.Storage.Entries)), humanize.Comma(st.Storage.Compressed))
	fmt.Printf("Lookups:     %s started, %s ok, %s failed, %d active\n",
		humanize.Comma(int64(st.Lookups.Started)), humanize.Comma(int64(st.Lookups.Succeeded)),
		humanize.Comma(int64(st.Lookups.Failed)), st.Lookups.Active)
	fmt.Printf("Datagrams:   %s sent, %s received, %s timeouts, %s dropped\n",
		humanize.Comma(int64(st.Transport.Sent)), humanize.Comma(int64(st.Transport.Received)),
		humanize.Comma(int64(st.Transport.Timeouts)),
		humanize.Comma(int64(st.Transport.Malformed+st.Transport.RateLimited)))
	fmt.Printf("Routing:     %d splits, %d evictions, %d spoof checks (%d rejected)\n",
		st.Routing.Splits, st.Routing.Evictions, st.Routing.SpoofChecks, st.Routing.SpoofRejected)
	return nil
}

func runBuckets(cmd *cobra.Command, args []string) error {
	var buckets []routing.BucketInfo
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/routing/buckets", nil, &buckets); err != nil {
		return err
	}
	if done, err := render(buckets); done {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PREFIX\tDEPTH\tLIVE\tCACHED\tTOUCHED\tFLAGS")
	for _, b := range buckets {
		var flags []string
		if b.ContainsLocal {
			flags = append(flags, "local")
		}
		if b.SmallestSubtree {
			flags = append(flags, "smallest")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			b.Prefix, b.Depth, b.Live, b.Cached, humanize.Time(b.Touched), strings.Join(flags, ","))
	}
	return w.Flush()
}

func runContacts(cmd *cobra.Command, args []string) error {
	var contacts []kademlia.Contact
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/routing/contacts", nil, &contacts); err != nil {
		return err
	}
	if done, err := render(contacts); done {
		return err
	}
	printContacts(contacts)
	return nil
}

func printContacts(contacts []kademlia.Contact) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATE\tLAST SEEN")
	for _, c := range contacts {
		seen := "never"
		if !c.LastSeen.IsZero() {
			seen = humanize.Time(c.LastSeen)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Address, c.State, seen)
	}
	_ = w.Flush()
}

func runLookup(cmd *cobra.Command, args []string) error {
	if _, err := kademlia.FromHex(args[0], kademlia.NamespaceNode); err != nil {
		return fmt.Errorf("node id must be 40 hex characters")
	}
	var res lookup.Result
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/lookup/node/"+args[0], nil, &res); err != nil {
		return err
	}
	if done, err := render(res); done {
		return err
	}
	fmt.Printf("%d contacts after querying %d nodes in %d hops (%s)\n\n",
		len(res.Contacts), res.Queried, res.Hops, res.Elapsed.Round(time.Millisecond))
	printContacts(res.Contacts)
	return nil
}

type valueResult struct {
	Key    string           `json:"key"`
	Value  []byte           `json:"value"`
	Source kademlia.Contact `json:"source"`
	Hops   int              `json:"hops"`
}

func runGet(cmd *cobra.Command, args []string) error {
	var res valueResult
	if err := call(cmd.Context(), http.MethodGet, escapeKey(args[0]), nil, &res); err != nil {
		return err
	}
	if done, err := render(res); done {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s from %s (%s, %d hops)\n",
		res.Key, res.Source.Address, humanize.Bytes(uint64(len(res.Value))), res.Hops)
	_, err := os.Stdout.Write(res.Value)
	return err
}

func runPut(cmd *cobra.Command, args []string) error {
	var body io.Reader = strings.NewReader(args[1])
	if args[1] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		body = strings.NewReader(string(data))
	}

	var res struct {
		Key      string `json:"key"`
		Replicas int    `json:"replicas"`
	}
	if err := call(cmd.Context(), http.MethodPut, escapeKey(args[0]), body, &res); err != nil {
		return err
	}
	if done, err := render(res); done {
		return err
	}
	fmt.Printf("Stored %s on %d nodes\n", res.Key, res.Replicas)
	return nil
}

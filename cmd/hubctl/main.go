// Command hubctl is an operator CLI for querying a running hubd instance:
// "info" prints its GetInfo answer and "sync" prints its snapshot for a
// prefix. It does not start a sync round.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"hubsync/rpc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "info":
		infoCmd(os.Args[2:])
	case "sync":
		syncCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hubctl <info|sync> -target host:port")
}

func dial(target string) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
}

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	target := fs.String("target", "127.0.0.1:7601", "hubd gRPC address")
	fs.Parse(args)

	conn, err := dial(*target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := client.GetInfo(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get info:", err)
		os.Exit(1)
	}
	fmt.Printf("version=%s synced=%t root=%s\n", info.Version, info.IsSynced, info.RootHash)
}

func syncCmd(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	target := fs.String("target", "127.0.0.1:7601", "peer hubd gRPC address to compare against")
	prefix := fs.String("prefix", "", "trie prefix to compare, used as raw bytes, e.g. timestamp digits (default: root)")
	fs.Parse(args)

	conn, err := dial(*target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := client.GetSyncSnapshotByPrefix(ctx, []byte(*prefix))
	if err != nil {
		fmt.Fprintln(os.Stderr, "get snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("peer snapshot: prefix=%x messages=%d excluded=%d\n", snap.Prefix, snap.NumMessages, len(snap.ExcludedHashes))
}

// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command rotateidentity force-regenerates a node's persisted libp2p
// identity key, discarding the old one.
package main

import (
	"bufio"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/subquery/payg-gateway/internal/identity"
)

var opts = struct {
	Force bool   `short:"f" long:"force" description:"Rotate without prompting"`
	Key   string `long:"key" description:"Path to the identity key file" required:"true"`
}{
	Force: false,
}

func init() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	fmt.Println("Identity key path:", opts.Key)
	_, err := os.Stat(opts.Key)
	existed := err == nil

	for existed && !opts.Force {
		fmt.Print("Discard the existing identity key and peer id? [y/N] ")

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			return 0
		}
		if err := scanner.Err(); err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}
		fmt.Println("Enter yes or no.")
	}

	if existed {
		if err := os.Remove(opts.Key); err != nil {
			fmt.Println("Failed to remove existing key:", err)
			return 1
		}
	}

	priv, err := identity.LoadOrCreate(opts.Key)
	if err != nil {
		fmt.Println("Failed to generate new identity key:", err)
		return 1
	}
	pid, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		fmt.Println("Failed to derive peer id:", err)
		return 1
	}
	fmt.Println("Generated a new identity key at", opts.Key)
	fmt.Println("New peer id:", pid.String())
	return 0
}

// Command atelierctl is the operator tool for the kernel: it seals policy
// documents with their integrity hash, verifies sealed documents, and
// inspects forensic snapshots left by the kill-switch.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tamluxury/atelier/pkg/governance"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "seal":
		return runSeal(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: atelierctl <seal|verify> <policy.json>")
}

// runSeal computes the policy integrity hash and writes the sealed document
// back in place.
func runSeal(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		usage(stderr)
		return 2
	}
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(stderr, "seal:", err)
		return 1
	}
	var p governance.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		fmt.Fprintln(stderr, "seal: parse:", err)
		return 1
	}
	hash, err := governance.ComputeIntegrityHash(&p)
	if err != nil {
		fmt.Fprintln(stderr, "seal:", err)
		return 1
	}
	p.IntegrityHash = hash
	sealed, err := json.MarshalIndent(&p, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, "seal: marshal:", err)
		return 1
	}
	if err := os.WriteFile(path, append(sealed, '\n'), 0o644); err != nil {
		fmt.Fprintln(stderr, "seal: write:", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}

// runVerify loads the policy through the same path the kernel uses at boot.
func runVerify(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		usage(stderr)
		return 2
	}
	p, err := governance.LoadPolicy(args[0])
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	fmt.Fprintf(stdout, "ok: version %s, %d actors\n", p.Version, len(p.ActorRegistry))
	return 0
}

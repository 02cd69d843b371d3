// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("middleware - Postgres-to-Postgres replication engine")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("middleware keeps a destination database eventually consistent with a")
	fmt.Println("source database by combining LISTEN/NOTIFY change propagation with")
	fmt.Println("periodic batch reconciliation over bounded identifier windows.")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("  examples/demanda_mirror/")
	fmt.Println("    Mirrors the demanda and fiscalizado tables between two databases.")
	fmt.Println("    Run: cd examples/demanda_mirror && \\")
	fmt.Println("         SOURCE_DATABASE_URL=... DEST_DATABASE_URL=... go run .")
	fmt.Println("    Reprocess failed writes: go run . reprocess")
	fmt.Println()
	fmt.Println("Library entry point: the mirror package (mirror.NewReplicator).")
}

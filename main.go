// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-finsync - Offline-First Personal Finance Sync")
	fmt.Println("===================================================")
	fmt.Println()
	fmt.Println("go-finsync keeps expenses, budgets and savings buckets in a local SQLite store,")
	fmt.Println("queues every change while offline and replays it to the server when connectivity returns.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 HTTP Server Example (examples/nethttp_server/)")
	fmt.Println("   Finance records API on net/http backed by PostgreSQL")
	fmt.Println("   Features: JWT auth, Redis idempotency keys, owner scoping, goose migrations")
	fmt.Println("   Run: cd examples/nethttp_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Mobile Flow Simulator (examples/mobile_flow/)")
	fmt.Println("   Simulated devices going offline and online against the example server")
	fmt.Println("   Features: offline capture, live budget views, savings goals, reinstall, user switch")
	fmt.Println("   Run: cd examples/mobile_flow && go run . -scenario all")
	fmt.Println()
}

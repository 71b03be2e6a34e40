package main

import "testing"

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{
		"init", "status", "create", "report", "dispute", "quote", "settle", "get",
		"history", "ledger", "withdraw", "watch", "devnet", "wallet", "doctor",
		"completion", "version",
	} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	for _, flag := range []string{"config", "api", "caller", "keystore", "output", "decimals"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

const (
	exitOK           = 0
	exitInvalidInput = 10
	exitRPCFailed    = 20
	exitAuthFailed   = 30
)

const defaultRPCAddr = "127.0.0.1:7333"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "register":
		runRegister(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "login":
		runLogin(os.Args[2:])
	case "lock":
		runLock(os.Args[2:])
	case "recover":
		runRecover(os.Args[2:])
	case "change-password":
		runChangePassword(os.Args[2:])
	case "secret":
		runSecret(os.Args[2:])
	case "sign":
		runSign(os.Args[2:])
	case "ids":
		runListIDs(os.Args[2:])
	case "wipe":
		runWipe(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

func commonFlags(fs *flag.FlagSet) (addr, token *string) {
	addr = fs.String("rpc-addr", defaultRPCAddr, "daemon rpc address host:port")
	token = fs.String("rpc-token", "", "daemon rpc token")
	return addr, token
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr, token := commonFlags(fs)
	asJSON := fs.Bool("json", false, "emit json")
	parseFlags(fs, args)

	client := newRPCClient(*addr, *token)
	var out struct {
		State         string `json:"state"`
		Authenticated bool   `json:"authenticated"`
	}
	if err := client.call("vault_state", nil, &out); err != nil {
		failRPC(err)
	}
	if *asJSON {
		mustPrintJSON(out)
	} else {
		writeStdoutf("state=%s authenticated=%v\n", out.State, out.Authenticated)
	}
	os.Exit(exitOK)
}

func runRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	addr, token := commonFlags(fs)
	parseFlags(fs, args)

	password, err := promptSecretConfirmed("New vault password")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	client := newRPCClient(*addr, *token)
	var out struct {
		ID           string `json:"id"`
		RecoveryCode string `json:"recoveryCode"`
		Mnemonic     string `json:"mnemonic"`
	}
	if err := client.call("vault_register", map[string]string{"password": password}, &out); err != nil {
		failRPC(err)
	}

	writeStdoutf("identity: %s\n\n", out.ID)
	writeStdoutf("Write down the recovery code and mnemonic now. They are\nshown once and cannot be retrieved later.\n\n")
	writeStdoutf("recovery code: %s\n", out.RecoveryCode)
	writeStdoutf("mnemonic:      %s\n", out.Mnemonic)
	os.Exit(exitOK)
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	addr, token := commonFlags(fs)
	parseFlags(fs, args)

	mnemonic, err := promptSecret("Mnemonic")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	password, err := promptSecretConfirmed("New vault password")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	client := newRPCClient(*addr, *token)
	var out struct {
		ID           string `json:"id"`
		RecoveryCode string `json:"recoveryCode"`
	}
	if err := client.call("vault_import", map[string]string{
		"mnemonic": mnemonic,
		"password": password,
	}, &out); err != nil {
		failRPC(err)
	}
	writeStdoutf("identity: %s\nrecovery code: %s\n", out.ID, out.RecoveryCode)
	os.Exit(exitOK)
}

func runLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	addr, token := commonFlags(fs)
	id := fs.String("id", "", "identity id (optional when the store holds one identity)")
	parseFlags(fs, args)

	password, err := promptSecret("Vault password")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	client := newRPCClient(*addr, *token)
	var out struct {
		ID        string `json:"id"`
		PublicKey string `json:"publicKey"`
	}
	if err := client.call("vault_login", map[string]string{
		"id":       *id,
		"password": password,
	}, &out); err != nil {
		failRPC(err)
	}
	writeStdoutf("unlocked %s\n", out.ID)
	os.Exit(exitOK)
}

func runLock(args []string) {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	addr, token := commonFlags(fs)
	parseFlags(fs, args)

	client := newRPCClient(*addr, *token)
	var out struct {
		State string `json:"state"`
	}
	if err := client.call("vault_lock", nil, &out); err != nil {
		failRPC(err)
	}
	writeStdoutf("state=%s\n", out.State)
	os.Exit(exitOK)
}

func runRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	addr, token := commonFlags(fs)
	id := fs.String("id", "", "identity id (optional when the store holds one identity)")
	rotate := fs.Bool("rotate", false, "issue a new recovery code")
	parseFlags(fs, args)

	code, err := promptSecret("Recovery code")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	password, err := promptSecretConfirmed("New vault password")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	client := newRPCClient(*addr, *token)
	var out struct {
		ID              string `json:"id"`
		NewRecoveryCode string `json:"newRecoveryCode"`
	}
	if err := client.call("vault_recover", map[string]any{
		"id":           *id,
		"recoveryCode": code,
		"newPassword":  password,
		"rotate":       *rotate,
	}, &out); err != nil {
		failRPC(err)
	}
	writeStdoutf("recovered %s; log in with the new password\n", out.ID)
	if out.NewRecoveryCode != "" {
		writeStdoutf("new recovery code: %s\n", out.NewRecoveryCode)
	}
	os.Exit(exitOK)
}

func runChangePassword(args []string) {
	fs := flag.NewFlagSet("change-password", flag.ExitOnError)
	addr, token := commonFlags(fs)
	parseFlags(fs, args)

	oldPassword, err := promptSecret("Current password")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	newPassword, err := promptSecretConfirmed("New password")
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	client := newRPCClient(*addr, *token)
	if err := client.call("vault_change_password", map[string]string{
		"oldPassword": oldPassword,
		"newPassword": newPassword,
	}, nil); err != nil {
		failRPC(err)
	}
	writeStdoutf("password changed\n")
	os.Exit(exitOK)
}

func runSecret(args []string) {
	if len(args) < 1 {
		writeStderrln("secret <set|get|rm|ls> [flags]", exitInvalidInput)
	}
	sub := args[0]
	fs := flag.NewFlagSet("secret "+sub, flag.ExitOnError)
	addr, token := commonFlags(fs)
	key := fs.String("key", "", "secret key")
	value := fs.String("value", "", "secret value (set only; prompted when omitted)")
	parseFlags(fs, args[1:])

	client := newRPCClient(*addr, *token)
	switch sub {
	case "set":
		if *key == "" {
			writeStderrln("key is required", exitInvalidInput)
		}
		v := *value
		if v == "" {
			var err error
			if v, err = promptSecret("Secret value"); err != nil {
				writeStderrln(err.Error(), exitInvalidInput)
			}
		}
		if err := client.call("vault_save_secret", map[string]string{"key": *key, "value": v}, nil); err != nil {
			failRPC(err)
		}
		writeStdoutf("saved %s\n", *key)
	case "get":
		if *key == "" {
			writeStderrln("key is required", exitInvalidInput)
		}
		var out struct {
			Value string `json:"value"`
			Found bool   `json:"found"`
		}
		if err := client.call("vault_get_secret", map[string]string{"key": *key}, &out); err != nil {
			failRPC(err)
		}
		if !out.Found {
			writeStderrln("not found", exitInvalidInput)
		}
		writeStdoutf("%s\n", out.Value)
	case "rm":
		if *key == "" {
			writeStderrln("key is required", exitInvalidInput)
		}
		if err := client.call("vault_delete_secret", map[string]string{"key": *key}, nil); err != nil {
			failRPC(err)
		}
		writeStdoutf("deleted %s\n", *key)
	case "ls":
		var out struct {
			Keys []string `json:"keys"`
		}
		if err := client.call("vault_list_secret_keys", nil, &out); err != nil {
			failRPC(err)
		}
		for _, k := range out.Keys {
			writeStdoutf("%s\n", k)
		}
	default:
		writeStderrln("secret <set|get|rm|ls> [flags]", exitInvalidInput)
	}
	os.Exit(exitOK)
}

func runSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	addr, token := commonFlags(fs)
	data := fs.String("data", "", "data to sign (utf-8 string)")
	parseFlags(fs, args)

	if *data == "" {
		writeStderrln("data is required", exitInvalidInput)
	}
	client := newRPCClient(*addr, *token)
	var out struct {
		Signature string `json:"signature"`
	}
	if err := client.call("vault_sign", map[string]string{
		"data": base64.StdEncoding.EncodeToString([]byte(*data)),
	}, &out); err != nil {
		failRPC(err)
	}
	writeStdoutf("%s\n", out.Signature)
	os.Exit(exitOK)
}

func runListIDs(args []string) {
	fs := flag.NewFlagSet("ids", flag.ExitOnError)
	addr, token := commonFlags(fs)
	parseFlags(fs, args)

	client := newRPCClient(*addr, *token)
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := client.call("vault_list_ids", nil, &out); err != nil {
		failRPC(err)
	}
	for _, id := range out.IDs {
		writeStdoutf("%s\n", id)
	}
	os.Exit(exitOK)
}

func runWipe(args []string) {
	fs := flag.NewFlagSet("wipe", flag.ExitOnError)
	addr, token := commonFlags(fs)
	yes := fs.Bool("yes", false, "skip confirmation")
	parseFlags(fs, args)

	if !*yes {
		fmt.Fprint(os.Stderr, "This erases every stored identity. Type 'wipe' to confirm: ")
		var line string
		_, _ = fmt.Fscanln(os.Stdin, &line)
		if strings.TrimSpace(line) != "wipe" {
			writeStderrln("aborted", exitInvalidInput)
		}
	}

	client := newRPCClient(*addr, *token)
	var out struct {
		State string `json:"state"`
	}
	if err := client.call("vault_wipe_all", nil, &out); err != nil {
		failRPC(err)
	}
	writeStdoutf("state=%s\n", out.State)
	os.Exit(exitOK)
}

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
}

func failRPC(err error) {
	code := exitRPCFailed
	var rpcErr *rpcErrorPayload
	if errors.As(err, &rpcErr) && (rpcErr.Code == -32041 || rpcErr.Code == -32042) {
		code = exitAuthFailed
	}
	writeStderrln(err.Error(), code)
}

func mustPrintJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		writeStderrln(err.Error(), exitRPCFailed)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stdout, "vaultctl <command> [flags]")
	fmt.Fprintln(os.Stdout, "commands:")
	fmt.Fprintln(os.Stdout, "  status           [--json]")
	fmt.Fprintln(os.Stdout, "  register")
	fmt.Fprintln(os.Stdout, "  import")
	fmt.Fprintln(os.Stdout, "  login            [--id kf1...]")
	fmt.Fprintln(os.Stdout, "  lock")
	fmt.Fprintln(os.Stdout, "  recover          [--id kf1...] [--rotate]")
	fmt.Fprintln(os.Stdout, "  change-password")
	fmt.Fprintln(os.Stdout, "  secret           <set|get|rm|ls> [--key k] [--value v]")
	fmt.Fprintln(os.Stdout, "  sign             --data <string>")
	fmt.Fprintln(os.Stdout, "  ids")
	fmt.Fprintln(os.Stdout, "  wipe             [--yes]")
	fmt.Fprintln(os.Stdout, "all commands accept --rpc-addr and --rpc-token")
}

func writeStdoutf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

func writeStderrln(line string, exitCode int) {
	fmt.Fprintln(os.Stderr, line)
	os.Exit(exitCode)
}

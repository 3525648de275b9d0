/*
Copyright 2024 Fission Internet Software

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command fission is the command line client of the fission service.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/client"
	"github.com/fission-codes/fission/lib/didkey"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("fission", "Client for the fission account service.")
	app.Version(fission.Version)
	server := app.Flag("server", "Fission server URL.").
		Envar("FISSION_SERVER").Default("https://auth.fission.codes").String()
	keyFile := app.Flag("key-file", "Path of the device key.").String()

	account := app.Command("account", "Manage the account bound to this device.")
	create := account.Command("create", "Register a new account.")
	createUsername := create.Flag("username", "Username to register.").Required().String()
	createEmail := create.Flag("email", "Email address to verify.").Required().String()
	list := account.Command("list", "Show the account this device controls.")
	rename := account.Command("rename", "Change the account username.")
	renameTo := rename.Arg("name", "New username.").Required().String()
	del := account.Command("delete", "Delete the account.")
	paths := app.Command("paths", "Print configuration and key file paths.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	path, err := resolveKeyFile(*keyFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if command == paths.FullCommand() {
		fmt.Println("key file:", path)
		fmt.Println("server:  ", *server)
		return nil
	}

	key, err := loadOrCreateKey(path)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx := context.Background()
	clt, err := client.New(ctx, client.Config{ServerURL: *server, Key: key})
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case create.FullCommand():
		return trace.Wrap(createAccount(ctx, clt, *createUsername, *createEmail))
	case list.FullCommand():
		did, err := clt.AccountDID(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		acct, err := clt.GetAccount(ctx, did)
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("username: %v\nemail:    %v\ndid:      %v\n", acct.Username, acct.Email, acct.DID)
		return nil
	case rename.FullCommand():
		did, err := clt.AccountDID(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		acct, err := clt.RenameAccount(ctx, did, *renameTo)
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Println("renamed to", acct.Username)
		return nil
	case del.FullCommand():
		did, err := clt.AccountDID(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := clt.DeleteAccount(ctx, did); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println("account deleted")
		return nil
	}
	return nil
}

func createAccount(ctx context.Context, clt *client.Client, username, email string) error {
	if err := clt.VerifyEmail(ctx, email); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("a verification code was sent to %v\nenter code: ", email)
	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return trace.Wrap(err)
	}
	bundle, err := clt.CreateAccount(ctx, username, email, strings.TrimSpace(code))
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("created account %v\ndid: %v\n", bundle.Account.Username, bundle.Account.DID)
	return nil
}

// resolveKeyFile picks the explicit path or the per-user default under
// the OS config directory.
func resolveKeyFile(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return filepath.Join(dir, "fission", "key.pem"), nil
}

// loadOrCreateKey loads the device key, minting one on first use.
func loadOrCreateKey(path string) (*didkey.Key, error) {
	key, err := didkey.Load(path)
	if err == nil {
		return key, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	key, err = didkey.New()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := key.Save(path); err != nil {
		return nil, trace.Wrap(err)
	}
	fmt.Fprintln(os.Stderr, "generated device key at", path)
	return key, nil
}

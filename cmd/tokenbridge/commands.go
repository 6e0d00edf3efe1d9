package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// passwordFrom prefers the flag, then TOKENBRIDGE_PASSWORD.
func passwordFrom(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("TOKENBRIDGE_PASSWORD")
}

func (a *app) signIn(ctx context.Context, args []string) error {
	fs := newFlagSet("signin")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (or TOKENBRIDGE_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}

	session := a.client.Session()
	session.Start(ctx)
	if _, err := session.SignIn(ctx, identity.Credentials{
		Email:    *email,
		Password: passwordFrom(*password),
	}); err != nil {
		return err
	}
	return a.printJSON(session.Snapshot())
}

func (a *app) signUp(ctx context.Context, args []string) error {
	fs := newFlagSet("signup")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (or TOKENBRIDGE_PASSWORD)")
	firstName := fs.String("first-name", "", "given name")
	lastName := fs.String("last-name", "", "family name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}

	session := a.client.Session()
	session.Start(ctx)
	result, err := session.SignUp(ctx, identity.Profile{
		Email:     *email,
		Password:  passwordFrom(*password),
		FirstName: *firstName,
		LastName:  *lastName,
	})
	if err != nil {
		return err
	}
	if result.ConfirmationRequired {
		fmt.Fprintf(a.out, "check %s for a confirmation link, then sign in\n", *email)
		return nil
	}
	return a.printJSON(session.Snapshot())
}

func (a *app) signOut(ctx context.Context) error {
	session := a.client.Session()
	session.Start(ctx)
	session.SignOut(ctx)
	return a.printJSON(session.Snapshot())
}

func (a *app) oauthURL(ctx context.Context, args []string) error {
	fs := newFlagSet("oauth-url")
	provider := fs.String("provider", "", "third-party provider, e.g. google")
	redirect := fs.String("redirect", "", "where the provider sends the user back to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	url, err := a.client.Session().BeginOAuth(ctx, *provider, *redirect)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, url)
	return nil
}

func (a *app) oauthComplete(ctx context.Context, args []string) error {
	fs := newFlagSet("oauth-complete")
	code := fs.String("code", "", "code from the redirect's query string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return errors.New("--code is required")
	}

	session := a.client.Session()
	if _, err := session.CompleteOAuth(ctx, *code); err != nil {
		return err
	}
	return a.printJSON(session.Snapshot())
}

func (a *app) whoami(ctx context.Context) error {
	return a.printJSON(a.client.Session().Start(ctx))
}

func (a *app) refreshUser(ctx context.Context) error {
	session := a.client.Session()
	session.Start(ctx)
	session.RefreshUser(ctx)
	return a.printJSON(session.Snapshot())
}

func (a *app) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tokenbridge get <path>")
	}
	path := args[0]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.client.Backend().URL(path), nil)
	if err != nil {
		return err
	}
	res, err := a.client.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if _, err := io.Copy(a.out, res.Body); err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d", path, res.StatusCode)
	}
	return nil
}

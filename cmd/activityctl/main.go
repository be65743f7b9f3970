package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/client/api"
	"github.com/a-essam23/activitycast/pkg/client/cache"
	"github.com/a-essam23/activitycast/pkg/client/query"
	"github.com/a-essam23/activitycast/pkg/client/session"
	"github.com/a-essam23/activitycast/pkg/logging"
	"github.com/a-essam23/activitycast/pkg/wire"
	"github.com/docopt/docopt-go"
	gojwt "github.com/golang-jwt/jwt/v5"
)

const ActivityCtlVersion = "0.1.0"

const defaultAPIURL = "http://localhost:8080"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

func main() {
	usage := `Activity control.

The default api_url is http://localhost:8080. The gateway url is derived from
it unless --ws_url is given.

Usage:
    activityctl token --secret=<secret> [--ttl=<ttl>] [--name=<name>] <username>
    activityctl list [--api_url=<api_url>] --token=<token>
        [--page=<page>] [--page_size=<page_size>] [--going | --hosting] [--from=<date>]
    activityctl watch [--api_url=<api_url>] [--ws_url=<ws_url>] --token=<token>
        [--keepalive=<interval>] <activity_id>
    activityctl comment [--api_url=<api_url>] [--ws_url=<ws_url>] --token=<token>
        <activity_id> <message>
    activityctl attend [--api_url=<api_url>] --token=<token> <activity_id>
    activityctl unattend [--api_url=<api_url>] --token=<token> <activity_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --secret=<secret>          Shared HS256 secret of the server.
    --ttl=<ttl>                Token lifetime [default: 24h].
    --name=<name>              Display name carried in the token.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --token=<token>            Bearer token, see the token command.
    --page=<page>              Zero based page [default: 0].
    --page_size=<page_size>    Activities per page [default: 10].
    --going                    Only activities you attend.
    --hosting                  Only activities you host.
    --from=<date>              Earliest activity date, RFC 3339.
    --keepalive=<interval>     Ping interval while watching [default: 30s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ActivityCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if token_, _ := opts.Bool("token"); token_ {
		err = issueToken(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		err = list(ctx, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		err = comment(ctx, opts)
	} else if attend_, _ := opts.Bool("attend"); attend_ {
		err = attend(ctx, opts, true)
	} else if unattend_, _ := opts.Bool("unattend"); unattend_ {
		err = attend(ctx, opts, false)
	}
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
}

func issueToken(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	username, _ := opts.String("<username>")
	name, _ := opts.String("--name")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("bad --ttl: %w", err)
	}
	token, err := auth.NewJWT(secret, ttl).Issue(username, name)
	if err != nil {
		return err
	}
	Out.Printf("%s", token)
	return nil
}

// client bundles what every remote command needs.
type client struct {
	api    *api.Client
	store  *cache.Store
	token  string
	apiURL string
	logger *slog.Logger
}

func newClient(opts docopt.Opts) (*client, error) {
	token, _ := opts.String("--token")
	apiURL, _ := opts.String("--api_url")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	user, err := userFromToken(token)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.LevelWarn)
	c := api.New(apiURL, token)
	return &client{
		api:    c,
		store:  cache.New(user, c, logger),
		token:  token,
		apiURL: apiURL,
		logger: logger,
	}, nil
}

// userFromToken reads the identity claims without verifying the signature;
// the server does the verification.
func userFromToken(token string) (cache.User, error) {
	claims := &auth.AppClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return cache.User{}, fmt.Errorf("bad --token: %w", err)
	}
	username, err := claims.GetSubject()
	if err != nil || username == "" {
		return cache.User{}, errors.New("bad --token: no subject")
	}
	display := claims.DisplayName
	if display == "" {
		display = username
	}
	return cache.User{Username: username, DisplayName: display}, nil
}

func (c *client) session(opts docopt.Opts, keepAlive time.Duration) *session.Session {
	wsURL, _ := opts.String("--ws_url")
	if wsURL == "" {
		wsURL = strings.TrimRight(c.apiURL, "/") + "/ws"
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	return session.New(session.Config{URL: wsURL, Token: c.token, KeepAlive: keepAlive}, c.store, c.logger,
		session.WithNoticeHandler(func(groupID string, n wire.Notice) {
			Out.Printf("[%s] notice: %s", groupID, n.Message)
		}),
	)
}

func list(ctx context.Context, opts docopt.Opts) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	pageSize, err := intOpt(opts, "--page_size")
	if err != nil {
		return err
	}
	page, err := intOpt(opts, "--page")
	if err != nil {
		return err
	}

	q := query.New(c.api, c.store, pageSize, c.logger)
	key, value := activity.PredicateAll, any(nil)
	if going, _ := opts.Bool("--going"); going {
		key, value = activity.PredicateIsGoing, true
	} else if hosting, _ := opts.Bool("--hosting"); hosting {
		key, value = activity.PredicateIsHost, true
	} else if from, _ := opts.String("--from"); from != "" {
		date, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return fmt.Errorf("bad --from: %w", err)
		}
		key, value = activity.PredicateStartDate, date
	}
	if err := q.SetPredicate(ctx, key, value); err != nil {
		return err
	}
	if page > 0 {
		c.store.Clear()
		if err := q.SetPage(ctx, page); err != nil {
			return err
		}
	}

	for date, group := range c.store.GroupedByDate() {
		Out.Printf("%s", date)
		for _, a := range group {
			Out.Printf("    %s  %s  %s, %s%s", a.ID, a.Date.Format("15:04"), a.Title, a.City, flags(a))
		}
	}
	Out.Printf("page %d of %d (%d activities)", q.Page()+1, max(q.TotalPages(), 1), q.TotalCount())
	return nil
}

func flags(a cache.Activity) string {
	switch {
	case a.IsHost:
		return "  [hosting]"
	case a.IsGoing:
		return "  [going]"
	}
	return ""
}

func watch(ctx context.Context, opts docopt.Opts) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	id, _ := opts.String("<activity_id>")
	intervalStr, _ := opts.String("--keepalive")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return fmt.Errorf("bad --keepalive: %w", err)
	}

	a, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	Out.Printf("%s (%s, %s)", a.Title, a.Venue, a.Date.Format(time.RFC1123))
	for _, cm := range a.Comments {
		printComment(cm)
	}

	s := c.session(opts, interval)
	changes, cancel := c.store.Subscribe()
	defer cancel()
	if err := s.Open(ctx, id); err != nil {
		return err
	}
	defer s.Close(context.Background())

	seen := len(a.Comments)
	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx) }()
	for {
		select {
		case <-changes:
			cur, ok := c.store.Get(id)
			if !ok || len(cur.Comments) < seen {
				continue
			}
			for _, cm := range cur.Comments[seen:] {
				printComment(cm)
			}
			seen = len(cur.Comments)
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func printComment(cm activity.Comment) {
	Out.Printf("%s  %s: %s", cm.CreatedAt.Local().Format("15:04:05"), cm.DisplayName, cm.Body)
}

func comment(ctx context.Context, opts docopt.Opts) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	id, _ := opts.String("<activity_id>")
	message, _ := opts.String("<message>")

	if _, err := c.store.Load(ctx, id); err != nil {
		return err
	}
	s := c.session(opts, 0)
	if err := s.Open(ctx, id); err != nil {
		return err
	}
	defer s.Close(context.Background())

	commentID, err := s.PostComment(ctx, message)
	if err != nil {
		return err
	}
	Out.Printf("%s", commentID)
	return nil
}

func attend(ctx context.Context, opts docopt.Opts, going bool) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	id, _ := opts.String("<activity_id>")
	if _, err := c.store.Load(ctx, id); err != nil {
		return err
	}
	if going {
		err = c.store.Attend(ctx, id)
	} else {
		err = c.store.CancelAttendance(ctx, id)
	}
	if err != nil {
		return err
	}
	a, _ := c.store.Get(id)
	Out.Printf("%s: going=%t host=%t attendees=%d", a.ID, a.IsGoing, a.IsHost, len(a.Attendees))
	return nil
}

func intOpt(opts docopt.Opts, name string) (int, error) {
	s, _ := opts.String(name)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad %s: %q", name, s)
	}
	return n, nil
}

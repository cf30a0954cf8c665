package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"CovesClient/internal/core/comments"
	"CovesClient/internal/core/communities"
	"CovesClient/internal/core/feeds"
	"CovesClient/internal/core/session"
	"CovesClient/internal/core/users"
	"CovesClient/internal/core/votes"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loginURLCommand() *cli.Command {
	return &cli.Command{
		Name:      "login-url",
		Usage:     "print the URL to open in a browser to sign in",
		ArgsUsage: "<handle or DID>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("login-url takes exactly one handle or DID", 2)
			}
			a := appFrom(c)
			u, err := a.OAuth.MobileLoginURL(c.Args().First(), a.Config.MobileRedirectURI)
			if err != nil {
				return err
			}
			fmt.Println(u)
			return nil
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "complete sign-in from the callback URL the browser was redirected to",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "callback", Required: true, Usage: "the full callback URL"},
		},
		Action: func(c *cli.Context) error {
			a := appFrom(c)
			s, err := a.OAuth.ParseCallback(c.String("callback"), a.Config.MobileRedirectURI)
			if err != nil {
				return err
			}
			if err := a.Sessions.SignIn(c.Context, s); err != nil {
				return err
			}
			hydrateVotes(c, a)
			fmt.Printf("signed in as %s (%s)\n", s.Handle, s.DID)
			return nil
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the signed-in account",
		Action: func(c *cli.Context) error {
			s, ok := appFrom(c).Sessions.Current()
			if !ok {
				return session.ErrNotSignedIn
			}
			return printJSON(map[string]any{
				"did":         s.DID,
				"handle":      s.Handle,
				"createdAt":   s.CreatedAt,
				"refreshedAt": s.RefreshedAt,
			})
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "rotate the session token now",
		Action: func(c *cli.Context) error {
			s, err := appFrom(c).Sessions.Refresh(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("session refreshed for %s\n", s.DID)
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "revoke the session and forget it locally",
		Action: func(c *cli.Context) error {
			return appFrom(c).Sessions.SignOut(c.Context)
		},
	}
}

func feedCommand() *cli.Command {
	return &cli.Command{
		Name:  "feed",
		Usage: "read a feed",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Value: string(feeds.KindDiscover), Usage: "timeline, discover or community"},
			&cli.StringFlag{Name: "community", Usage: "community DID or handle for --type community"},
			&cli.StringFlag{Name: "sort", Usage: "hot, top or new"},
			&cli.StringFlag{Name: "timeframe", Usage: "hour, day, week, month, year or all (with --sort top)"},
			&cli.IntFlag{Name: "limit", Usage: "posts per page"},
			&cli.IntFlag{Name: "pages", Value: 1, Usage: "number of pages to load"},
		},
		Action: func(c *cli.Context) error {
			req := feeds.Request{
				Kind:      feeds.Kind(c.String("type")),
				Community: c.String("community"),
				Sort:      feeds.Sort(c.String("sort")),
				Timeframe: feeds.Timeframe(c.String("timeframe")),
				Limit:     c.Int("limit"),
			}
			loader, err := appFrom(c).Feeds.NewLoader(req)
			if err != nil {
				return err
			}
			if err := loader.Load(c.Context, true); err != nil {
				return err
			}
			for i := 1; i < c.Int("pages") && loader.State().HasMore; i++ {
				if err := loader.Load(c.Context, false); err != nil {
					return err
				}
			}
			st := loader.State()
			return printJSON(feeds.FeedResponse{Feed: st.Items, Cursor: st.Cursor})
		},
	}
}

func commentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "comments",
		Usage: "read the comment thread of a post",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "post", Required: true, Usage: "post AT-URI"},
			&cli.StringFlag{Name: "sort", Usage: "hot, top or new"},
			&cli.IntFlag{Name: "depth", Usage: "reply nesting depth (0-100)"},
		},
		Action: func(c *cli.Context) error {
			resp, err := appFrom(c).Comments.GetComments(c.Context, comments.GetCommentsRequest{
				PostURI: c.String("post"),
				Sort:    c.String("sort"),
				Depth:   c.Int("depth"),
			}, "")
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func commentCommand() *cli.Command {
	return &cli.Command{
		Name:  "comment",
		Usage: "reply to a post or comment",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Required: true, Usage: "post AT-URI"},
			&cli.StringFlag{Name: "root-cid", Required: true, Usage: "post CID"},
			&cli.StringFlag{Name: "parent", Usage: "AT-URI being replied to; defaults to --root"},
			&cli.StringFlag{Name: "parent-cid", Usage: "CID being replied to; defaults to --root-cid"},
			&cli.StringFlag{Name: "text", Required: true},
		},
		Action: func(c *cli.Context) error {
			root := comments.StrongRef{URI: c.String("root"), CID: c.String("root-cid")}
			parent := root
			if c.IsSet("parent") {
				parent = comments.StrongRef{URI: c.String("parent"), CID: c.String("parent-cid")}
			}
			resp, err := appFrom(c).Comments.Create(c.Context, comments.CreateCommentRequest{
				Reply:   comments.ReplyRef{Root: root, Parent: parent},
				Content: c.String("text"),
			}, nil)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func deleteCommentCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-comment",
		Usage: "delete one of your comments",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uri", Required: true, Usage: "comment AT-URI"},
		},
		Action: func(c *cli.Context) error {
			return appFrom(c).Comments.Delete(c.Context, c.String("uri"), nil)
		},
	}
}

func voteCommand() *cli.Command {
	return &cli.Command{
		Name:  "vote",
		Usage: "toggle a vote on a post or comment",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Required: true, Usage: "AT-URI of the post or comment"},
			&cli.StringFlag{Name: "cid", Required: true, Usage: "CID of the post or comment"},
			&cli.StringFlag{Name: "direction", Value: string(votes.Up), Usage: "up or down"},
		},
		Action: func(c *cli.Context) error {
			dir, err := votes.ParseDirection(c.String("direction"))
			if err != nil {
				return err
			}
			active, err := appFrom(c).Votes.Toggle(c.Context, votes.StrongRef{URI: c.String("subject"), CID: c.String("cid")}, dir)
			if err != nil {
				return err
			}
			if active {
				fmt.Printf("voted %s\n", dir)
			} else {
				fmt.Println("vote removed")
			}
			return nil
		},
	}
}

func communitiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "communities",
		Usage: "list communities",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sort", Usage: "popular, active, new or alphabetical"},
			&cli.BoolFlag{Name: "subscribed", Usage: "only communities you subscribe to"},
			&cli.IntFlag{Name: "limit"},
		},
		Action: func(c *cli.Context) error {
			resp, err := appFrom(c).Communities.ListCommunities(c.Context, communities.ListCommunitiesRequest{
				Sort:       c.String("sort"),
				Limit:      c.Int("limit"),
				Subscribed: c.Bool("subscribed"),
			}, "")
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func subscribeCommand(subscribe bool) *cli.Command {
	name, usage := "subscribe", "subscribe to a community"
	if !subscribe {
		name, usage = "unsubscribe", "unsubscribe from a community"
	}
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "community", Required: true, Usage: "community DID"},
		},
		Action: func(c *cli.Context) error {
			did := strings.TrimSpace(c.String("community"))
			subscribed, err := appFrom(c).Subscriptions.Toggle(c.Context, did, subscribe)
			if err != nil {
				return err
			}
			if subscribed {
				fmt.Printf("subscribed to %s\n", did)
			} else {
				fmt.Printf("not subscribed to %s\n", did)
			}
			return nil
		},
	}
}

func profileCommand() *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "show a profile",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "actor", Usage: "DID or handle; defaults to you"},
			&cli.BoolFlag{Name: "refresh", Usage: "bypass the profile cache"},
		},
		Action: func(c *cli.Context) error {
			a := appFrom(c)
			actor := c.String("actor")
			if actor == "" {
				s, ok := a.Sessions.Current()
				if !ok {
					return errors.New("--actor is required when signed out")
				}
				actor = s.DID
			}
			profile, err := a.Profiles.GetProfile(c.Context, actor, c.Bool("refresh"))
			if err != nil {
				return err
			}
			return printJSON(profile)
		},
	}
}

func updateProfileCommand() *cli.Command {
	return &cli.Command{
		Name:  "update-profile",
		Usage: "change your display name or bio",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "display-name"},
			&cli.StringFlag{Name: "bio"},
		},
		Action: func(c *cli.Context) error {
			var req users.UpdateProfileRequest
			if c.IsSet("display-name") {
				v := c.String("display-name")
				req.DisplayName = &v
			}
			if c.IsSet("bio") {
				v := c.String("bio")
				req.Bio = &v
			}
			if req.DisplayName == nil && req.Bio == nil {
				return cli.Exit("nothing to update: pass --display-name or --bio", 2)
			}
			resp, err := appFrom(c).Profiles.UpdateProfile(c.Context, req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/whisper/llm-moderator/internal/config"
	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/lease"
	"github.com/whisper/llm-moderator/internal/messaging"
	"github.com/whisper/llm-moderator/internal/mute"
	"github.com/whisper/llm-moderator/internal/reconcile"
)

func main() {
	app := cli.App{
		Name:  "modctl",
		Usage: "administer the LLM forum moderator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory containing config.yml",
				Value: ".",
			},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:  "cleanup",
			Usage: "unmute expired users and delete their unapproved content",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "direct",
					Usage: "run the pass in this process instead of asking a running moderator over NATS",
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Usage: "how long to wait for the moderator's report",
					Value: time.Minute,
				},
			},
			Action: runCleanup,
		},
		{
			Name:  "unmute",
			Usage: "unmute a user now",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "user", Usage: "forum user id", Required: true},
			},
			Action: runUnmute,
		},
		{
			Name:  "grant-unmute",
			Usage: "let a usergroup unmute users",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "group", Usage: "forum usergroup id", Required: true},
			},
			Action: func(cctx *cli.Context) error { return runSetCapability(cctx, true) },
		},
		{
			Name:  "revoke-unmute",
			Usage: "stop a usergroup from unmuting users",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "group", Usage: "forum usergroup id", Required: true},
			},
			Action: func(cctx *cli.Context) error { return runSetCapability(cctx, false) },
		},
		{
			Name:  "mutes",
			Usage: "list mute records",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "page", Usage: "page number", Value: 1},
			},
			Action: runMutes,
		},
	}
	app.RunAndExitOnError()
}

// env holds the connections a command opened.
type env struct {
	cfg    *config.Config
	mutes  *mute.Store
	forum  *forum.Store
	rdb    *redis.Client
	closer []func()
}

func (e *env) Close() {
	for i := len(e.closer) - 1; i >= 0; i-- {
		e.closer[i]()
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv connects to the mute store and the forum database, and to Redis
// when withRedis is set.
func openEnv(cctx *cli.Context, withRedis bool) (*env, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}

	db, err := mute.Open(cctx.Context, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	e.closer = append(e.closer, func() { db.Close() })
	e.mutes = mute.NewStore(db, cfg.PolicyTable())

	forumDSN := cfg.Forum.DatabaseURL
	if forumDSN == "" {
		forumDSN = cfg.Database.URL
	}
	fs, err := forum.Open(forumDSN, cfg.Forum.TablePrefix)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closer = append(e.closer, func() { fs.Close() })
	e.forum = fs

	if withRedis {
		e.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		e.closer = append(e.closer, func() { e.rdb.Close() })
	}
	return e, nil
}

func (e *env) reconciler() *reconcile.Reconciler {
	var leases *lease.Manager
	if e.rdb != nil {
		leases = lease.NewManager(e.rdb)
	}
	return reconcile.New(e.mutes, e.forum, leases, nil, reconcile.Options{
		MutedGroup:  e.cfg.Moderation.MutedGroup,
		LeaseTTL:    e.cfg.Cleanup.LeaseTTL,
		InfoLogging: e.cfg.Moderation.InfoLogging,
	})
}

func runCleanup(cctx *cli.Context) error {
	if !cctx.Bool("direct") {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "modctl"
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return fmt.Errorf("connect to NATS (use --direct to run locally): %w", err)
		}
		defer nc.Close()

		reply, err := nc.RequestCleanup(cctx.Duration("timeout"))
		if err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("cleanup failed: %s", reply.Error)
		}
		fmt.Println(reply.Message)
		return nil
	}

	e, err := openEnv(cctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.reconciler().RunCleanup(cctx.Context, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("%s (%d processed)\n", report.Message(), report.Processed)
	return nil
}

func runUnmute(cctx *cli.Context) error {
	e, err := openEnv(cctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	userID := cctx.Int64("user")
	found, err := e.reconciler().Unmute(cctx.Context, userID)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("user %d is not muted\n", userID)
		return nil
	}
	fmt.Printf("user %d unmuted\n", userID)
	return nil
}

func runSetCapability(cctx *cli.Context, allowed bool) error {
	e, err := openEnv(cctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	groupID := cctx.Int64("group")
	capability := e.cfg.Moderation.UnmuteCapability
	if err := e.forum.SetGroupCapability(cctx.Context, groupID, capability, allowed); err != nil {
		return err
	}
	if allowed {
		fmt.Printf("group %d granted %s\n", groupID, capability)
	} else {
		fmt.Printf("group %d revoked %s\n", groupID, capability)
	}
	return nil
}

const mutesPerPage = 100

func runMutes(cctx *cli.Context) error {
	e, err := openEnv(cctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(cctx.Context, 30*time.Second)
	defer cancel()

	page := cctx.Int("page")
	if page < 1 {
		page = 1
	}
	total, err := e.mutes.Count(ctx)
	if err != nil {
		return err
	}
	records, err := e.mutes.List(ctx, mutesPerPage, (page-1)*mutesPerPage)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range records {
		state := "expired"
		if r.Active(now) {
			state = "active"
		}
		target := fmt.Sprintf("post %d", r.PostID)
		if r.IsTopic {
			target = fmt.Sprintf("topic %d", r.TopicID)
		}
		fmt.Printf("user %-8d %-8s %-12s until %s  %s: %s\n",
			r.UserID, state, target, r.ExpirationTime.Format(time.RFC3339), r.Type, r.Reason)
	}
	pages := (total + mutesPerPage - 1) / mutesPerPage
	fmt.Fprintf(os.Stderr, "page %d of %d (%d mutes)\n", page, pages, total)
	if len(records) == 0 && total > 0 {
		log.Printf("page %d is past the end", page)
	}
	return nil
}

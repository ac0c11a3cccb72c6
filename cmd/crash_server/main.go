package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/LeaguesOfHoleHoleShoes/CrashHole/crash"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/log"
)

const (
	PortFName      = "port"
	MongoFName     = "mongo"
	DBNameFName    = "db_name"
	CountdownFName = "betting_countdown"
	SpeedFName     = "speed"
	RTPFName       = "rtp"
	ProdLogFName   = "prod_log"
)

func main() {
	app := cli.NewApp()
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: PortFName, Value: 3030},
		cli.StringFlag{Name: MongoFName, Value: "localhost"},
		cli.StringFlag{Name: DBNameFName, Value: "crashhole"},
		cli.IntFlag{Name: CountdownFName, Value: 10},
		cli.Float64Flag{Name: SpeedFName, Value: 1},
		cli.Float64Flag{Name: RTPFName, Value: 0.97},
		cli.BoolFlag{Name: ProdLogFName},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func run(c *cli.Context) {
	if c.Bool(ProdLogFName) {
		log.InitLog(log.DefaultProdCfg())
	}

	cfg := crash.DefaultGameConfig()
	cfg.BettingCountdown = c.Int(CountdownFName)
	cfg.SpeedMultiplier = c.Float64(SpeedFName)
	cfg.RTP = c.Float64(RTPFName)

	db := crash.NewGameDBByMongo(strings.Split(c.String(MongoFName), ","), c.String(DBNameFName))
	room, err := crash.NewRoomServer(cfg, c.Int(PortFName), db, &devAuth{})
	if err != nil {
		panic(err)
	}
	if err := room.Start(); err != nil {
		panic(err)
	}
	signalListen(func() {
		if err := room.Stop(); err != nil {
			panic(err)
		}
		time.Sleep(1 * time.Second)
	})
}

// 占位的鉴权实现，token即user id。生产上要换成真正的session服务
type devAuth struct{}

func (a *devAuth) UserIDByToken(token string) string { return token }

// listen stop signal
func signalListen(stopFunc func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	stopFunc()
}

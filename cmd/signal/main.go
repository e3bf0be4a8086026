// Package main contains an entrypoint for running a signaling node.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/confmesh/signal/cmd/signal/server"
	"github.com/confmesh/signal/pkg/engine/loopback"
	"github.com/confmesh/signal/pkg/log"
	"github.com/confmesh/signal/pkg/signal"
	"github.com/confmesh/signal/pkg/web"
)

// Config is the root of the TOML config file.
type Config struct {
	Signal signal.Config `mapstructure:"signal"`
	Web    web.Config    `mapstructure:"web"`
	Log    struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

var (
	conf Config
	file string
	addr string
)

// engineExitGrace is how long the node keeps running after the media
// engine dies, so in-flight replies can drain before supervision
// restarts us.
const engineExitGrace = 2 * time.Second

func showHelp() {
	fmt.Printf("Usage:%s {params}\n", os.Args[0])
	fmt.Println("      -c {config file}")
	fmt.Println("      -a {listen addr}")
	fmt.Println("      -h (show help info)")
}

func load() bool {
	_, err := os.Stat(file)
	if err != nil {
		fmt.Printf("config file %s not found\n", file)
		return false
	}

	viper.SetConfigFile(file)
	viper.SetConfigType("toml")

	err = viper.ReadInConfig()
	if err != nil {
		fmt.Printf("config file %s read failed. %v\n", file, err)
		return false
	}
	err = viper.GetViper().Unmarshal(&conf)
	if err != nil {
		fmt.Printf("config file %s loaded failed. %v\n", file, err)
		return false
	}

	if conf.Signal.Federation.Limit < 0 {
		fmt.Printf("config file %s loaded failed. federation limit must be >= 0\n", file)
		return false
	}
	for _, s := range conf.Signal.Federation.Siblings {
		if s.Namespace == "" || s.URL == "" {
			fmt.Printf("config file %s loaded failed. every sibling needs a namespace and a url\n", file)
			return false
		}
	}

	fmt.Printf("config %s load ok!\n", file)
	return true
}

func parse() bool {
	flag.StringVar(&file, "c", "config.toml", "config file")
	flag.StringVar(&addr, "a", "", "listen address override")
	help := flag.Bool("h", false, "help info")
	flag.Parse()
	if !load() {
		return false
	}

	if addr != "" {
		conf.Web.Addr = addr
	}
	if conf.Web.Addr == "" {
		conf.Web.Addr = ":7000"
	}

	return !*help
}

func main() {
	if !parse() {
		showHelp()
		os.Exit(-1)
	}
	log.Init(conf.Log.Level)

	log.Infof("--- starting signaling node, namespace %s ---", conf.Signal.Namespace)

	e := loopback.New()
	co := signal.NewCoordinator(e, conf.Signal)
	defer co.Close()

	go func() {
		<-e.Done()
		log.Errorf("media engine died, exiting in %s: %v", engineExitGrace, e.Err())
		time.Sleep(engineExitGrace)
		os.Exit(1)
	}()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade: %v", err)
			return
		}
		defer c.Close()

		local := co.LocalNamespace(r.URL.Query().Get("ns"))
		p := signal.NewPeer(co, local)
		defer p.Close()

		js := server.NewJSONSignal(p)
		jc := jsonrpc2.NewConn(r.Context(), websocketjsonrpc2.NewObjectStream(c), js)
		js.Bind(r.Context(), jc)
		<-jc.DisconnectNotify()
	})

	router := web.NewRouter(co, conf.Web, wsHandler)

	var g errgroup.Group
	g.Go(func() error {
		if conf.Web.Cert != "" && conf.Web.Key != "" {
			log.Infof("listening at https://[%s]", conf.Web.Addr)
			return router.RunTLS(conf.Web.Addr, conf.Web.Cert, conf.Web.Key)
		}
		log.Infof("listening at http://[%s]", conf.Web.Addr)
		return router.Run(conf.Web.Addr)
	})
	if err := g.Wait(); err != nil {
		log.Panicf("server error: %v", err)
	}
}

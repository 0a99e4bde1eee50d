package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dhtworks/kademlia/peer"
	"github.com/dhtworks/kademlia/peer/impl"
	"github.com/dhtworks/kademlia/transport/udp"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "kademlia",
		Usage: "run and exercise a Kademlia DHT node",
		Commands: []*cli.Command{
			serveCommand(),
			clientCommand(),
			networkCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// startNode binds a UDP socket on listen and starts a node on it.
func startNode(listen string) (peer.DHT, error) {
	socket, err := udp.NewUDP().CreateSocket(listen)
	if err != nil {
		return nil, err
	}

	node := impl.NewPeer(peer.Configuration{Socket: socket})
	if err := node.Start(); err != nil {
		return nil, err
	}

	log.Info().Str("addr", node.GetAddr()).Str("id", node.ID().String()).
		Msg("listening")
	return node, nil
}

func awaitInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a node until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Value: "127.0.0.1:0",
				Usage: "address to bind the UDP socket to",
			},
			&cli.StringSliceFlag{
				Name:  "bootstrap",
				Usage: "seed addresses to join through",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "address to expose prometheus metrics on (disabled when empty)",
			},
		},
		Action: func(c *cli.Context) error {
			node, err := startNode(c.String("listen"))
			if err != nil {
				return err
			}
			defer node.Stop()

			if seeds := c.StringSlice("bootstrap"); len(seeds) > 0 {
				if err := node.Bootstrap(seeds); err != nil {
					return err
				}
				log.Info().Strs("seeds", seeds).Msg("bootstrapped")
			}

			if addr := c.String("metrics"); addr != "" {
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(addr, nil); err != nil {
						log.Error().Msgf("metrics server: %s", err.Error())
					}
				}()
			}

			awaitInterrupt()
			log.Info().Msg("stopped")
			return nil
		},
	}
}

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "join through a peer and exercise put/get once a second",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "peer",
				Usage:    "address of a running node",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			node, err := startNode("127.0.0.1:0")
			if err != nil {
				return err
			}
			defer node.Stop()

			seed := c.String("peer")
			if err := node.Bootstrap([]string{seed}); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
					id, err := node.Ping(seed, nil)
					if err != nil {
						log.Warn().Msgf("ping %s: %s", seed, err.Error())
						continue
					}
					stored, err := node.Put([]byte("hello"), []byte("world"))
					if err != nil {
						log.Warn().Msgf("put: %s", err.Error())
						continue
					}
					value, err := node.Get([]byte("hello"))
					if err != nil {
						log.Warn().Msgf("get: %s", err.Error())
						continue
					}
					log.Info().Str("peer_id", id.String()).Int("stored", stored).
						Msgf("%q from the network", value)
				}
			}
		},
	}
}

func networkCommand() *cli.Command {
	return &cli.Command{
		Name:  "network",
		Usage: "run a local test network until interrupted",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "nodes",
				Value: 40,
				Usage: "number of nodes to start",
			},
			&cli.IntFlag{
				Name:  "base-port",
				Value: 9000,
				Usage: "first UDP port; nodes use consecutive ports",
			},
		},
		Action: func(c *cli.Context) error {
			count := c.Int("nodes")
			basePort := c.Int("base-port")

			nodes := make([]peer.DHT, 0, count)
			for i := 0; i < count; i++ {
				node, err := startNode(fmt.Sprintf("127.0.0.1:%d", basePort+i))
				if err != nil {
					return err
				}
				defer node.Stop()
				nodes = append(nodes, node)
			}

			// cross-ping every third port so the overlay is connected
			// without being a full mesh
			for i, node := range nodes {
				for j := 0; j < count; j++ {
					if j == i || (basePort+j)%3 != 0 {
						continue
					}
					addr := fmt.Sprintf("127.0.0.1:%d", basePort+j)
					if _, err := node.Ping(addr, nil); err != nil {
						log.Warn().Msgf("ping %s: %s", addr, err.Error())
					}
				}
			}
			log.Info().Int("nodes", count).Msg("network is connected")

			awaitInterrupt()
			return nil
		},
	}
}

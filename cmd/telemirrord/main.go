package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/andrecp/telemirror/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.telemirror/config.toml)")
	socketFlag := flag.String("socket", "", "admin socket path (default ~/.telemirror/admin.sock)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: *configFlag,
			SocketPath: *socketFlag,
		}),
	)

	app.Run()
}

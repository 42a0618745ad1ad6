package banner

import (
	"fmt"

	"chatstream/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███████╗████████╗██████╗ ███████╗ █████╗ ███╗   ███╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝╚══██╔══╝██╔══██╗██╔════╝██╔══██╗████╗ ████║
██║     ███████║███████║   ██║   ███████╗   ██║   ██████╔╝█████╗  ███████║██╔████╔██║
██║     ██╔══██║██╔══██║   ██║   ╚════██║   ██║   ██╔══██╗██╔══╝  ██╔══██║██║╚██╔╝██║
╚██████╗██║  ██║██║  ██║   ██║   ███████║   ██║   ██║  ██║███████╗██║  ██║██║ ╚═╝ ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚══════╝   ╚═╝   ╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═╝     ╚═╝
`

// PrintWithEff prints the startup banner using the effective config for
// context (listen address, db path, chosen config source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/channels' -d '{\"name\":\"general\"}'")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/channels/<id>/messages' -d '{\"text\":\"hello\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/channels/<id>/messages?limit=20'")
	fmt.Println("curl -N 'http://<host>:<port>/v1/channels/<id>/tail'")

	if eff.Config != nil {
		be := len(eff.Config.Security.APIKeys.Backend)
		fe := len(eff.Config.Security.APIKeys.Frontend)
		ad := len(eff.Config.Security.APIKeys.Admin)
		jwt := eff.Config.Security.JWT.Secret != ""
		fmt.Println("\n== Production? =================================================")
		if be+fe+ad == 0 && !jwt {
			fmt.Println("No API keys or JWT secret configured; every request will be rejected")
		} else {
			fmt.Printf("API keys: backend=%d frontend=%d admin=%d jwt=%v\n", be, fe, ad, jwt)
		}
		if eff.Config.Live.Redis.Addr == "" {
			fmt.Println("Redis not configured; live events stay single-node")
		}
	}
	fmt.Println()
}

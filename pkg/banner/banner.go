package banner

import (
	"fmt"

	"weft/pkg/config"
)

const banner = `
██╗    ██╗███████╗███████╗████████╗
██║    ██║██╔════╝██╔════╝╚══██╔══╝
██║ █╗ ██║█████╗  █████╗     ██║
██║███╗██║██╔══╝  ██╔══╝     ██║
╚███╔███╔╝███████╗██║        ██║
 ╚══╝╚══╝ ╚══════╝╚═╝        ╚═╝
`

// Print renders the startup banner with the effective runtime settings.
func Print(eff config.Effective, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", eff.Addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if eff.Source != "" {
		fmt.Printf("Config source: %s\n", eff.Source)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/threads                       - Create a thread")
	fmt.Println("GET  /v1/threads?q=&limit=             - List or search threads")
	fmt.Println("POST /v1/threads/{id}/messages         - Create a message")
	fmt.Println("GET  /v1/threads/{id}/messages         - Page through messages")
	fmt.Println("GET  /v1/messages/{id}/stream?from=    - Subscribe to deltas (SSE)")
	fmt.Println("POST /v1/threads/{id}/context          - Preview assembled context")
	fmt.Println("\nAll /v1 requests need an X-User-ID header.")
}

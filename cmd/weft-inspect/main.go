// weft-inspect opens a weft database and prints a per-thread summary:
// message counts by status and the current order high-water mark. Meant
// for operators debugging a store offline; do not run against a live db.
package main

import (
	"flag"
	"fmt"
	"os"

	"weft/pkg/models"
	"weft/pkg/store"
)

func main() {
	var path string
	flag.StringVar(&path, "db", "", "pebble database path")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ths, err := st.AllThreads()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d thread(s)\n", len(ths))
	for _, th := range ths {
		counts := map[models.MessageStatus]int{}
		cursor := ""
		for {
			page, err := st.ListMessages(th.ID, store.ListOptions{Limit: 500, Cursor: cursor})
			if err != nil {
				fmt.Fprintf(os.Stderr, "list %s failed: %v\n", th.ID, err)
				break
			}
			for i := range page.Messages {
				counts[page.Messages[i].Status]++
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		fmt.Printf("%s user=%s last_order=%d pending=%d success=%d failed=%d title=%q\n",
			th.ID, th.UserID, th.LastOrder,
			counts[models.StatusPending], counts[models.StatusSuccess], counts[models.StatusFailed],
			th.Title)
	}
}

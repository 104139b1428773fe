package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

const usage = `Usage: feedwatch [-server URL] <commande>

Commandes:
  health                    état du serveur
  version                   version du serveur
  list                      liste des subscriptions
  add [-auto] <url>         ajoute un flux
  save                      force une sauvegarde
  metadata <sub> <item>     récupère les métadonnées torrent d'un item
  downloads                 liste des téléchargements`

func main() {
	baseURL := flag.String("server", envOr("FEEDWATCH_SERVER_URL", "http://127.0.0.1:8001"), "URL du serveur (ex: http://127.0.0.1:8001)")
	timeout := flag.Duration("timeout", 2*time.Minute, "Timeout HTTP")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	c := &client{http: &http.Client{Timeout: *timeout}, base: *baseURL + "/api/v1"}

	switch args[0] {
	case "health":
		c.run(http.MethodGet, "/health", nil)
	case "version":
		c.run(http.MethodGet, "/version", nil)
	case "list":
		c.run(http.MethodGet, "/subscriptions", nil)
	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		auto := fs.Bool("auto", false, "Télécharger automatiquement les nouveaux items")
		_ = fs.Parse(args[1:])
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: feedwatch add [-auto] <url>")
			os.Exit(2)
		}
		c.run(http.MethodPost, "/subscriptions", map[string]any{"url": fs.Arg(0), "autoDownload": *auto})
	case "save":
		c.run(http.MethodPost, "/database/save", nil)
	case "metadata":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: feedwatch metadata <sub> <item>")
			os.Exit(2)
		}
		sub, err1 := strconv.ParseUint(args[1], 10, 64)
		item, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			fmt.Fprintln(os.Stderr, "Identifiants invalides:", args[1], args[2])
			os.Exit(2)
		}
		c.run(http.MethodPost, fmt.Sprintf("/subscriptions/%d/items/%d/metadata", sub, item), nil)
	case "downloads":
		c.run(http.MethodGet, "/downloads", nil)
	default:
		fmt.Fprintln(os.Stderr, "Commande inconnue:", args[0])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

type client struct {
	http *http.Client
	base string
}

func (c *client) run(method, path string, body any) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Erreur:", err)
			os.Exit(1)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Erreur:", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Erreur:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	var pretty any
	if err := json.Unmarshal(b, &pretty); err == nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(pretty)
	} else if len(b) > 0 {
		os.Stdout.Write(b)
		os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const apiTimeout = 5 * time.Second

var ErrAPI = errors.New("relay api error")

func newRoomsCommand(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms currently open on the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := f.load("")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
			defer cancel()
			rooms, err := fetchRooms(ctx, http.DefaultClient, cfg.APIURL)
			if err != nil {
				return err
			}
			renderRooms(cmd.OutOrStdout(), rooms)
			return nil
		},
	}
}

type roomsResponse struct {
	Error string           `json:"error"`
	Data  []model.RoomInfo `json:"data"`
}

func fetchRooms(ctx context.Context, client *http.Client, baseURL string) ([]model.RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/api/rooms", nil)
	if err != nil {
		return nil, errors.Join(ErrAPI, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Join(ErrAPI, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body roomsResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Join(ErrAPI, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, body.Error)
	}
	return body.Data, nil
}

func renderRooms(w io.Writer, rooms []model.RoomInfo) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Room", "Members"})
	for _, r := range rooms {
		tw.AppendRow(table.Row{r.ID, r.Members})
	}
	tw.AppendFooter(table.Row{"Total", len(rooms)})
	tw.Render()
}

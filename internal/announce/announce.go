package announce

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/proepkes/SpeedDate-sub000/internal/rooms"
)

// Announcer posts a webhook message whenever a public room opens, so a
// community channel can see new games without polling the master.
type Announcer struct {
	log        logr.Logger
	webhookURL string
	client     *retryablehttp.Client
}

func New(log logr.Logger, webhookURL string) *Announcer {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &Announcer{
		log:        log.WithName("announce"),
		webhookURL: webhookURL,
		client:     client,
	}
}

// Watch hooks the announcer to room registrations. Private rooms stay
// quiet.
func (a *Announcer) Watch(reg *rooms.Registry) {
	if a.webhookURL == "" {
		return
	}
	reg.OnRoomRegistered(func(room *rooms.RegisteredRoom) {
		options := room.Options()
		if !options.IsPublic || options.Password != "" {
			return
		}
		go a.publish(fmt.Sprintf("New game room %q is open, %d seats available!", options.Name, options.MaxPlayers))
	})
}

func (a *Announcer) publish(message string) {
	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		a.log.Error(err, "could not encode webhook body")
		return
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, a.webhookURL, body)
	if err != nil {
		a.log.Error(err, "could not create webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Error(err, "could not deliver announcement")
		return
	}
	resp.Body.Close()
}

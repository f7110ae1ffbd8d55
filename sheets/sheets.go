// Package sheets implements the spreadsheet sink: extracted rows are
// appended to a Google spreadsheet via the Sheets API.
package sheets

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/connkeeper/connkeeper/models"
)

const defaultSheetName = "Sheet1"

// Appender appends rows to spreadsheets. It implements models.Sink.
type Appender struct {
	svc *sheetsapi.Service
}

// NewAppender builds an appender over an authenticated HTTP client.
func NewAppender(ctx context.Context, client *http.Client) (*Appender, error) {
	srv, err := sheetsapi.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets client: %w", err)
	}

	return &Appender{svc: srv}, nil
}

// NewClient builds an HTTP client from a bearer token, for appenders
// backed by a stored Google connection.
func NewClient(ctx context.Context, accessToken string) *http.Client {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	return oauth2.NewClient(ctx, source)
}

// Append writes rows below the existing data of the named sheet and
// returns the number of rows the API reports as appended. An empty
// input returns zero without a remote call.
func (a *Appender) Append(ctx context.Context, rows []models.Row, spreadsheetID, sheetName string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, row)
	}

	if sheetName == "" {
		sheetName = defaultSheetName
	}

	resp, err := a.svc.Spreadsheets.Values.
		Append(spreadsheetID, sheetName, &sheetsapi.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, fmt.Errorf("unable to append to spreadsheet %s: %w", spreadsheetID, err)
	}

	if resp.Updates == nil {
		return 0, nil
	}

	return int(resp.Updates.UpdatedRows), nil
}

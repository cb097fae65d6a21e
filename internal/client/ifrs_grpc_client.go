package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

const ifrsProcessAdjustments = "/gl.ifrs.IFRSService/ProcessAdjustments"

// IFRSGRPCClient forwards posted journals to the IFRS adjustment service.
type IFRSGRPCClient struct {
	conn    *grpc.ClientConn
	breaker *Breaker
	log     *logger.Logger
}

// NewIFRSGRPCClient dials the IFRS gRPC service.
func NewIFRSGRPCClient(addr string, timeout time.Duration, breaker BreakerConfig, log *logger.Logger) (*IFRSGRPCClient, error) {
	conn, err := dial(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &IFRSGRPCClient{
		conn:    conn,
		breaker: NewBreaker("ifrs", breaker, log),
		log:     log,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *IFRSGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type ifrsLine struct {
	LineNumber   int    `json:"line_number"`
	AccountCode  string `json:"account_code"`
	DebitAmount  string `json:"debit_amount"`
	CreditAmount string `json:"credit_amount"`
	CurrencyCode string `json:"currency_code"`
	IFRSStandard string `json:"ifrs_standard,omitempty"`
}

type ifrsRequest struct {
	Standards       []string       `json:"standards"`
	TemplateCode    string         `json:"template_code"`
	JournalEntryID  string         `json:"journal_entry_id"`
	JournalNumber   string         `json:"journal_number"`
	JournalDate     string         `json:"journal_date"`
	Currency        string         `json:"currency"`
	TotalAmount     string         `json:"total_amount"`
	Lines           []ifrsLine     `json:"lines"`
	TransactionData map[string]any `json:"transaction_data"`
}

// ProcessAdjustments sends the posted journal and its transaction data for the
// standards the template flags.
func (c *IFRSGRPCClient) ProcessAdjustments(ctx context.Context, tpl *repository.JournalTemplate, entry *repository.JournalEntry, data map[string]any) error {
	body := ifrsRequest{
		Standards:       tpl.IFRSStandards(),
		TemplateCode:    tpl.TemplateCode,
		JournalEntryID:  entry.ID,
		JournalNumber:   entry.JournalNumber,
		JournalDate:     entry.JournalDate.Format("2006-01-02"),
		Currency:        entry.Currency,
		TotalAmount:     entry.TotalDebit.String(),
		TransactionData: data,
	}
	for _, l := range entry.Lines {
		line := ifrsLine{
			LineNumber:   l.LineNumber,
			AccountCode:  l.AccountCode,
			DebitAmount:  l.DebitAmount.String(),
			CreditAmount: l.CreditAmount.String(),
			CurrencyCode: l.CurrencyCode,
		}
		if l.IFRSStandard != nil {
			line.IFRSStandard = *l.IFRSStandard
		}
		body.Lines = append(body.Lines, line)
	}

	req, err := toStruct(body)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	err = c.breaker.Do(func() error {
		return c.conn.Invoke(ctx, ifrsProcessAdjustments, req, resp)
	})
	if err != nil {
		return err
	}

	c.log.Debug().
		Str("journal_entry_id", entry.ID).
		Strs("standards", body.Standards).
		Int("adjustments", len(resp.GetFields()["adjustments"].GetListValue().GetValues())).
		Msg("IFRS adjustments processed")
	return nil
}

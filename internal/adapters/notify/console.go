package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/alejandrodnm/lvrshield/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

var (
	_ ports.EventSink = (*Console)(nil)
	_ ports.Reporter  = (*Console)(nil)
)

// Console implementa ports.EventSink y ports.Reporter.
type Console struct {
	out      io.Writer
	decimals int32 // decimales del token de pago, para mostrar importes
	verbose  bool  // también imprime commits
	now      func() time.Time
	mu       sync.Mutex
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(decimals int32, verbose bool) *Console {
	return &Console{out: os.Stdout, decimals: decimals, verbose: verbose, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, decimals: domain.PriceDecimals, verbose: true, now: time.Now}
}

// SetClock reemplaza el reloj con el que se calcula el estado en Report.
func (c *Console) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Publish imprime una línea compacta por evento.
func (c *Console) Publish(_ context.Context, events []domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range events {
		if ev.Kind == domain.EventBidCommitted && !c.verbose {
			continue
		}
		fmt.Fprintln(c.out, c.line(ev))
	}
	return nil
}

func (c *Console) line(ev domain.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %-19s pool:%s", ev.At.Format("15:04:05"), ev.Kind, short(ev.PoolID.Hex()))
	if ev.AuctionID != (domain.AuctionID{}) {
		fmt.Fprintf(&sb, " auction:%s", short(ev.AuctionID.Hex()))
	}
	if ev.Actor != (common.Address{}) {
		fmt.Fprintf(&sb, " by:%s", short(ev.Actor.Hex()))
	}
	if ev.Amount != nil && !ev.Amount.IsZero() {
		fmt.Fprintf(&sb, " amount:%s", c.amount(ev.Amount))
	}
	if ev.Auction != nil && ev.Kind == domain.EventBidCommitted {
		fmt.Fprintf(&sb, " bids:%d", ev.Auction.TotalBids)
	}
	if ev.Detail != "" && ev.Kind != domain.EventBidCommitted {
		fmt.Fprintf(&sb, " (%s)", ev.Detail)
	}
	return sb.String()
}

// Report imprime la tabla de subastas y un resumen.
func (c *Console) Report(_ context.Context, auctions []domain.Auction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(auctions) == 0 {
		fmt.Fprintf(c.out, "[%s] no auctions recorded\n", c.now().Format("15:04:05"))
		return nil
	}
	now := c.now()

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Auction", "Pool", "Start", "State", "Bids", "Winner", "Amount")

	total := decimal.Zero
	won := 0
	for i, a := range auctions {
		state := a.State(now).String()
		winner := "-"
		if a.HasWinner() {
			winner = short(a.Winner.Hex())
			won++
			total = total.Add(c.dec(a.WinningAmount))
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			short(a.ID.Hex()),
			short(a.PoolID.Hex()),
			a.StartTime.UTC().Format("2006-01-02 15:04:05"),
			state,
			fmt.Sprintf("%d", a.TotalBids),
			winner,
			c.amount(a.WinningAmount),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  %d auctions | %d with winner | proceeds %s\n", len(auctions), won, total.String())
	return nil
}

func (c *Console) dec(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -c.decimals)
}

func (c *Console) amount(x *uint256.Int) string {
	return domain.FormatUnits(x, c.decimals)
}

// short abrevia un hex largo: 0x1234…abcd.
func short(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:6] + "…" + h[len(h)-4:]
}

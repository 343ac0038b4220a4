package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// outcome 单次购买请求的结果
type outcome struct {
	status  int
	kind    string
	latency time.Duration
	err     error
}

type envelope struct {
	Code int             `json:"code"`
	Kind string          `json:"kind"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	http       *http.Client
	base       string
	adminToken string
}

func main() {
	base := flag.String("base", "http://localhost:8080", "server base url")
	saleID := flag.Int("sale", 1, "sale id")
	amount := flag.Int64("amount", 500, "amount per purchase (cents)")
	method := flag.String("payment-method", "tokn_test_5086xl7ddjbases4sq3i", "omise card token")
	preload := flag.Bool("preload", true, "preload the supply gate before the test")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	users := flag.Int("users", 200, "distinct buyers")
	concurrency := flag.Int("c", 50, "max concurrency")
	burst := flag.Int("burst", 50, "concurrent requests from one buyer")
	flag.Parse()

	cl := &client{http: &http.Client{Timeout: 60 * time.Second}, base: *base, adminToken: *adminToken}

	var sale struct {
		Sale struct {
			TemplateID int64 `json:"template_id"`
			MaxIssue   int   `json:"max_issue"`
		} `json:"sale"`
	}
	if err := cl.get(fmt.Sprintf("/api/sales/%d", *saleID), false, &sale); err != nil {
		exit("load sale: %v", err)
	}
	if *preload {
		if err := cl.post(fmt.Sprintf("/api/admin/sales/%d/preload", *saleID), true, nil, nil); err != nil {
			exit("preload: %v", err)
		}
	}
	body := map[string]any{"template_id": sale.Sale.TemplateID, "amount": *amount, "payment_method": *method}

	fmt.Printf("oversell: sale=%d max_issue=%d users=%d c=%d\n", *saleID, sale.Sale.MaxIssue, *users, *concurrency)
	report("oversell", cl.buyMany(*saleID, body, *users, *concurrency, func(i int) string {
		return fmt.Sprintf("load-user-%d", i+1)
	}))

	confirmed, err := cl.confirmedUnits(*saleID)
	if err != nil {
		exit("ledger: %v", err)
	}
	fmt.Printf("confirmed units: %d / %d\n", confirmed, sale.Sale.MaxIssue)
	if confirmed > sale.Sale.MaxIssue {
		exit("OVERSOLD by %d", confirmed-sale.Sale.MaxIssue)
	}

	// 同一买家并发：进行中锁与限流应拒绝多数请求
	fmt.Printf("\nsame buyer: %d concurrent requests\n", *burst)
	report("same_buyer", cl.buyMany(*saleID, body, *burst, *burst, func(int) string { return "load-user-same" }))
}

func (cl *client) buyMany(saleID int, body any, total, concurrency int, userOf func(int) string) []outcome {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	out := make([]outcome, total)
	for i := range total {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			out[idx] = cl.buy(saleID, userOf(idx), body)
		}(i)
	}
	wg.Wait()
	return out
}

func (cl *client) buy(saleID int, userID string, body any) outcome {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/sales/%d/buy", cl.base, saleID), bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	start := time.Now()
	resp, err := cl.http.Do(req)
	if err != nil {
		return outcome{err: err, latency: time.Since(start)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	o := outcome{status: resp.StatusCode, latency: time.Since(start)}
	var env envelope
	if json.Unmarshal(raw, &env) == nil {
		o.kind = env.Kind
	}
	return o
}

// report 按状态码与错误类别汇总，附延迟分位。
func report(name string, results []outcome) {
	byStatus := map[int]int{}
	byKind := map[string]int{}
	lat := make([]time.Duration, 0, len(results))
	errs := 0
	for _, r := range results {
		lat = append(lat, r.latency)
		if r.err != nil {
			errs++
			continue
		}
		byStatus[r.status]++
		if r.kind != "" {
			byKind[r.kind]++
		}
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	fmt.Printf("[%s]\n", name)
	codes := make([]int, 0, len(byStatus))
	for code := range byStatus {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  http %d -> %d\n", code, byStatus[code])
	}
	for kind, n := range byKind {
		fmt.Printf("  kind %s -> %d\n", kind, n)
	}
	if errs > 0 {
		fmt.Printf("  transport errors -> %d\n", errs)
	}
	if len(lat) > 0 {
		fmt.Printf("  p50=%s p99=%s\n", lat[len(lat)/2], lat[len(lat)*99/100])
	}
}

// confirmedUnits 账本中已确认件数
func (cl *client) confirmedUnits(saleID int) (int, error) {
	var units []struct {
		Units  int    `json:"units"`
		Status string `json:"status"`
	}
	if err := cl.get(fmt.Sprintf("/api/admin/sales/%d/sold_units", saleID), true, &units); err != nil {
		return 0, err
	}
	total := 0
	for _, u := range units {
		if u.Status == "confirmed" {
			total += u.Units
		}
	}
	return total, nil
}

func (cl *client) get(path string, admin bool, data any) error {
	return cl.do(http.MethodGet, path, admin, nil, data)
}

func (cl *client) post(path string, admin bool, body any, data any) error {
	return cl.do(http.MethodPost, path, admin, body, data)
}

// do 发请求并解开 {"code","data"} 信封
func (cl *client) do(method, path string, admin bool, body any, data any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, cl.base+path, r)
	if err != nil {
		return err
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin-Token", cl.adminToken)
	}
	resp, err := cl.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d kind=%s msg=%s", resp.StatusCode, env.Kind, env.Msg)
	}
	if data != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, data)
	}
	return nil
}

func exit(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	pfirestore "github.com/joaosutil/pede-ai2/internal/platform/firestore"
	"github.com/joaosutil/pede-ai2/internal/platform/pagination"
	"github.com/joaosutil/pede-ai2/internal/platform/textutil"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

const (
	ordersCollection = "orders"

	// phoneKeyMinLength bounds the shortest indexed phone fragment. Searches shorter than
	// this cannot match.
	phoneKeyMinLength = 4

	defaultOrderPageSize = 50
	maxOrderPageSize     = 500
)

// OrderRepository persists orders in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document and fails when the id is already taken. Inside a
// unit of work the write commits with the surrounding transaction.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: id is required")
	}
	return r.orders.Create(ctx, id, newOrderDocument(order))
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: id is required")
	}
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Update overwrites the mutable order fields. The document must already exist.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: id is required")
	}
	doc := newOrderDocument(order)
	updates := []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "paymentStatus", Value: doc.PaymentStatus},
		{Path: "paymentId", Value: doc.PaymentID},
		{Path: "timeline", Value: doc.Timeline},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	return r.orders.Update(ctx, id, updates)
}

// List returns a page of orders, newest first, using an opaque cursor token.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	pageSize := filter.Pagination.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultOrderPageSize
	case pageSize > maxOrderPageSize:
		pageSize = maxOrderPageSize
	}

	query := coll.Query
	if id := strings.TrimSpace(filter.RestaurantID); id != "" {
		query = query.Where("restaurantId", "==", id)
	}
	query = whereStatuses(query, filter.Statuses)
	if len(filter.PaymentMethods) == 1 {
		query = query.Where("paymentMethod", "==", string(filter.PaymentMethods[0]))
	} else if len(filter.PaymentMethods) > 1 {
		methods := make([]string, 0, len(filter.PaymentMethods))
		for _, method := range filter.PaymentMethods {
			methods = append(methods, string(method))
		}
		query = query.Where("paymentMethod", "in", methods)
	}
	if filter.PaymentStatus != nil {
		query = query.Where("paymentStatus", "==", string(*filter.PaymentStatus))
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	orders, err := collectOrders(ctx, query.Limit(pageSize+1), "orders.list")
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// ListByRestaurant returns the restaurant's orders, newest first.
func (r *OrderRepository) ListByRestaurant(ctx context.Context, restaurantID string, filter repositories.RestaurantOrderFilter) ([]domain.Order, error) {
	id := strings.TrimSpace(restaurantID)
	if id == "" {
		return nil, errors.New("order repository: restaurant id is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := whereStatuses(coll.Where("restaurantId", "==", id), filter.Statuses)
	query = query.OrderBy("createdAt", firestore.Desc)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return collectOrders(ctx, query, "orders.list_by_restaurant")
}

// FindByCustomerPhone matches the digit fragment against the indexed phone keys, newest first.
func (r *OrderRepository) FindByCustomerPhone(ctx context.Context, digits string, limit int) ([]domain.Order, error) {
	digits = textutil.PhoneDigits(digits)
	if len(digits) < phoneKeyMinLength {
		return nil, nil
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Where("customer.phoneKeys", "array-contains", digits).OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return collectOrders(ctx, query, "orders.find_by_phone")
}

// Delete removes a single order. Missing orders report not found.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order repository: id is required")
	}
	ref, err := r.orders.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		return pfirestore.WrapError("orders.delete", err)
	}
	return nil
}

// DeleteAll removes every order and reports how many were deleted.
func (r *OrderRepository) DeleteAll(ctx context.Context) (int, error) {
	return r.deleteMatching(ctx, "orders.delete_all", func(*firestore.DocumentSnapshot) bool { return true })
}

// DeleteWhereRestaurantNotIn removes orders that reference a restaurant outside the set.
func (r *OrderRepository) DeleteWhereRestaurantNotIn(ctx context.Context, restaurantIDs map[string]struct{}) (int, error) {
	return r.deleteMatching(ctx, "orders.delete_orphans", func(snap *firestore.DocumentSnapshot) bool {
		raw, err := snap.DataAt("restaurantId")
		if err != nil {
			return true
		}
		id, _ := raw.(string)
		_, ok := restaurantIDs[strings.TrimSpace(id)]
		return !ok
	})
}

// AggregateDelivered streams delivered orders in the scope to visit. Iteration stops at the
// first visit error.
func (r *OrderRepository) AggregateDelivered(ctx context.Context, scope domain.StatsScope, visit func(domain.Order) error) error {
	if visit == nil {
		return errors.New("order repository: visit func is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	query := coll.Where("status", "==", string(domain.OrderStatusDelivered))
	if !scope.Global() {
		query = query.Where("restaurantId", "==", scope.RestaurantID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return pfirestore.WrapError("orders.aggregate", err)
		}
		order, err := decodeOrderDocument(snap)
		if err != nil {
			return err
		}
		if err := visit(order); err != nil {
			return err
		}
	}
}

func (r *OrderRepository) deleteMatching(ctx context.Context, op string, match func(*firestore.DocumentSnapshot) bool) (int, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	coll := client.Collection(ordersCollection)

	iter := coll.Select("restaurantId").Documents(ctx)
	defer iter.Stop()

	writer := client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			writer.End()
			return 0, pfirestore.WrapError(op, err)
		}
		if !match(snap) {
			continue
		}
		job, err := writer.Delete(snap.Ref)
		if err != nil {
			writer.End()
			return 0, pfirestore.WrapError(op, err)
		}
		jobs = append(jobs, job)
	}
	writer.End()

	deleted := 0
	var firstErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	if firstErr != nil {
		return deleted, pfirestore.WrapError(op, firstErr)
	}
	return deleted, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	return r.orders.Ref(ctx)
}

func whereStatuses(query firestore.Query, statuses []domain.OrderStatus) firestore.Query {
	switch len(statuses) {
	case 0:
		return query
	case 1:
		return query.Where("status", "==", string(statuses[0]))
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return query.Where("status", "in", values)
}

func collectOrders(ctx context.Context, query firestore.Query, op string) ([]domain.Order, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		order, err := decodeOrderDocument(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func decodeOrderDocument(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	doc, err := pfirestore.Decode[orderDocument](snap)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

type orderDocument struct {
	Number        string              `firestore:"number"`
	RestaurantID  string              `firestore:"restaurantId"`
	Customer      customerDocument    `firestore:"customer"`
	Items         []orderItemDocument `firestore:"items"`
	TotalCents    int64               `firestore:"totalCents"`
	PaymentMethod string              `firestore:"paymentMethod"`
	PaymentStatus string              `firestore:"paymentStatus"`
	PaymentID     string              `firestore:"paymentId"`
	Status        string              `firestore:"status"`
	Timeline      []timelineDocument  `firestore:"timeline"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

type customerDocument struct {
	Name      string   `firestore:"name"`
	Phone     string   `firestore:"phone"`
	PhoneKeys []string `firestore:"phoneKeys"`
	Address   string   `firestore:"address"`
	CPF       string   `firestore:"cpf,omitempty"`
	Email     string   `firestore:"email,omitempty"`
}

type orderItemDocument struct {
	Name           string `firestore:"name"`
	Quantity       int    `firestore:"quantity"`
	UnitPriceCents int64  `firestore:"unitPriceCents"`
	Note           string `firestore:"note,omitempty"`
}

type timelineDocument struct {
	Status    string    `firestore:"status"`
	Timestamp time.Time `firestore:"timestamp"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:       strings.TrimSpace(order.Number),
		RestaurantID: strings.TrimSpace(order.RestaurantID),
		Customer: customerDocument{
			Name:      order.Customer.Name,
			Phone:     order.Customer.Phone,
			PhoneKeys: textutil.DigitSubstrings(textutil.PhoneDigits(order.Customer.Phone), phoneKeyMinLength),
			Address:   order.Customer.Address,
			CPF:       order.Customer.CPF,
			Email:     order.Customer.Email,
		},
		TotalCents:    toCents(order.Total),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		PaymentID:     strings.TrimSpace(order.PaymentID),
		Status:        string(order.Status),
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: toCents(item.UnitPrice),
			Note:           item.Note,
		})
	}
	doc.Timeline = make([]timelineDocument, 0, len(order.Timeline))
	for _, entry := range order.Timeline {
		doc.Timeline = append(doc.Timeline, timelineDocument{Status: entry.Status, Timestamp: entry.Timestamp.UTC()})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:           id,
		Number:       d.Number,
		RestaurantID: d.RestaurantID,
		Customer: domain.Customer{
			Name:    d.Customer.Name,
			Phone:   d.Customer.Phone,
			Address: d.Customer.Address,
			CPF:     d.Customer.CPF,
			Email:   d.Customer.Email,
		},
		Total:         fromCents(d.TotalCents),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		PaymentID:     d.PaymentID,
		Status:        domain.OrderStatus(d.Status),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if len(d.Items) > 0 {
		order.Items = make([]domain.OrderItem, 0, len(d.Items))
		for _, item := range d.Items {
			order.Items = append(order.Items, domain.OrderItem{
				Name:      item.Name,
				Quantity:  item.Quantity,
				UnitPrice: fromCents(item.UnitPriceCents),
				Note:      item.Note,
			})
		}
	}
	if len(d.Timeline) > 0 {
		order.Timeline = make([]domain.TimelineEntry, 0, len(d.Timeline))
		for _, entry := range d.Timeline {
			order.Timeline = append(order.Timeline, domain.TimelineEntry{Status: entry.Status, Timestamp: entry.Timestamp.UTC()})
		}
	}
	return order
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

package firestore

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/iterator"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	pfirestore "github.com/joaosutil/pede-ai2/internal/platform/firestore"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

const restaurantsCollection = "restaurants"

type restaurantDocument struct {
	Name             string `firestore:"name"`
	Phone            string `firestore:"phone"`
	DeliveryTime     string `firestore:"deliveryTime"`
	DeliveryFeeCents int64  `firestore:"deliveryFeeCents"`
	OwnerUID         string `firestore:"ownerUid"`
}

func (d restaurantDocument) toDomain(id string) domain.Restaurant {
	return domain.Restaurant{
		ID:           id,
		Name:         d.Name,
		Phone:        d.Phone,
		DeliveryTime: d.DeliveryTime,
		DeliveryFee:  fromCents(d.DeliveryFeeCents),
		OwnerID:      d.OwnerUID,
	}
}

// RestaurantRepository reads restaurant records maintained by the catalogue service.
type RestaurantRepository struct {
	restaurants *pfirestore.Collection[restaurantDocument]
}

// NewRestaurantRepository constructs a Firestore-backed restaurant reader.
func NewRestaurantRepository(provider *pfirestore.Provider) (*RestaurantRepository, error) {
	if provider == nil {
		return nil, errors.New("restaurant repository requires firestore provider")
	}
	return &RestaurantRepository{
		restaurants: pfirestore.NewCollection[restaurantDocument](provider, restaurantsCollection),
	}, nil
}

// FindByID loads a restaurant.
func (r *RestaurantRepository) FindByID(ctx context.Context, restaurantID string) (domain.Restaurant, error) {
	id := strings.TrimSpace(restaurantID)
	if id == "" {
		return domain.Restaurant{}, errors.New("restaurant repository: id is required")
	}
	doc, err := r.restaurants.Get(ctx, id)
	if err != nil {
		return domain.Restaurant{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListIDs returns the ids of every restaurant without reading document bodies.
func (r *RestaurantRepository) ListIDs(ctx context.Context) (map[string]struct{}, error) {
	coll, err := r.restaurants.Ref(ctx)
	if err != nil {
		return nil, err
	}
	iter := coll.Select().Documents(ctx)
	defer iter.Stop()

	ids := make(map[string]struct{})
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("restaurants.list_ids", err)
		}
		ids[snap.Ref.ID] = struct{}{}
	}
	return ids, nil
}

var _ repositories.RestaurantRepository = (*RestaurantRepository)(nil)

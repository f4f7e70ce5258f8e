package gossip

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Status exposes the gossip state on the admin API.
type Status struct {
	gossip *Gossip
}

func NewStatus(gossip *Gossip) *Status {
	return &Status{
		gossip: gossip,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/peers", s.listPeersRoute)
	group.GET("/entries", s.listEntriesRoute)
	group.GET("/entries/:origin", s.getOriginRoute)
	group.GET("/bootstrap", s.bootstrapRoute)
}

func (s *Status) listPeersRoute(c *gin.Context) {
	peers := s.gossip.Peers()
	// Sort by ID.
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})
	c.JSON(http.StatusOK, peers)
}

func (s *Status) listEntriesRoute(c *gin.Context) {
	items := s.gossip.Items()
	sort.Slice(items, func(i, j int) bool {
		if items[i].Origin != items[j].Origin {
			return items[i].Origin < items[j].Origin
		}
		return items[i].Kind < items[j].Kind
	})
	c.JSON(http.StatusOK, items)
}

func (s *Status) getOriginRoute(c *gin.Context) {
	origin := NodeID(c.Param("origin"))
	items := s.gossip.table.OriginItems(origin)
	if len(items) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Status) bootstrapRoute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state": s.gossip.BootstrapState().String(),
	})
}
